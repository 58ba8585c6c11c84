package supportchat

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// MaxAttachmentSize is the largest file accepted for upload.
const MaxAttachmentSize = 10 * 1024 * 1024

var allowedAttachmentTypes = map[string]AttachmentKind{
	"image/jpeg": AttachmentImage,
	"image/jpg":  AttachmentImage,
	"image/png":  AttachmentImage,
	"image/gif":  AttachmentImage,
	"image/webp": AttachmentImage,
	"video/mp4":  AttachmentVideo,
	"video/mov":  AttachmentVideo,
	"video/avi":  AttachmentVideo,
	"video/webm": AttachmentVideo,
}

// File is a binary attachment selected for upload.
type File struct {
	Name string
	// ContentType is the declared MIME type; it is guessed from Name when empty.
	ContentType string
	Data        []byte
}

// Size returns the file size in bytes.
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// MimeType returns the declared content type or the one guessed from the name.
func (f File) MimeType() string {
	if f.ContentType != "" {
		if mt, _, err := mime.ParseMediaType(f.ContentType); err == nil {
			return strings.ToLower(mt)
		}
		return strings.ToLower(f.ContentType)
	}
	return DetectContentType(f.Name)
}

// ReadFile loads a local file as an attachment.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read file: %w", err)
	}
	return File{Name: filepath.Base(path), Data: data}, nil
}

// SenderMeta identifies who uploads an attachment.
type SenderMeta struct {
	SenderID   string
	SenderName string
	SenderType SenderType
}

// UploadResult is the data of a successful upload response.
type UploadResult struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// AttachmentPipeline validates and uploads attachments independently of
// the realtime connection.
type AttachmentPipeline struct {
	client  *Client
	maxSize int64
}

// NewAttachmentPipeline creates a pipeline uploading through client.
func NewAttachmentPipeline(client *Client) *AttachmentPipeline {
	return &AttachmentPipeline{client: client, maxSize: MaxAttachmentSize}
}

// Validate rejects oversized files and disallowed types. It never touches
// the network.
func (p *AttachmentPipeline) Validate(f File) error {
	if f.Size() == 0 {
		return &ValidationError{Field: "file", Reason: "file is empty", Err: ErrInvalidMessage}
	}
	if f.Size() > p.maxSize {
		return &ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("%d bytes exceeds the %d MB limit", f.Size(), p.maxSize/(1024*1024)),
			Err:    ErrAttachmentTooLarge,
		}
	}
	mt := f.MimeType()
	if _, ok := allowedAttachmentTypes[mt]; !ok {
		return &ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("type %q is not an allowed image or video type", mt),
			Err:    ErrAttachmentType,
		}
	}
	return nil
}

// Upload validates f and posts it as multipart form data to the scope's
// upload endpoint. The returned attachment URL is resolved against the
// client origin.
func (p *AttachmentPipeline) Upload(ctx context.Context, f File, scope Scope, sender SenderMeta) (*Attachment, error) {
	if err := p.Validate(f); err != nil {
		return nil, err
	}

	var path string
	switch scope.Kind {
	case ScopeConversation:
		path = "/chat/" + url.PathEscape(scope.ID) + "/upload"
	case ScopeOrder:
		path = "/order-chat/" + url.PathEscape(scope.ID) + "/upload"
	default:
		return nil, ErrUnsupportedScope
	}

	mt := f.MimeType()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("sender", sender.SenderID)
	_ = w.WriteField("senderName", sender.SenderName)
	_ = w.WriteField("senderType", string(sender.SenderType))

	part, err := w.CreatePart(fileHeader(f.Name, mt))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.client.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var result UploadResult
	if err := p.client.send(req, &result); err != nil {
		p.client.logger.Error().Err(err).Str("scope", scope.Key()).Str("file", f.Name).Msg("attachment upload failed")
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	if result.URL == "" {
		return nil, fmt.Errorf("upload failed: response carried no url")
	}

	p.client.logger.Debug().
		Str("scope", scope.Key()).
		Str("url", result.URL).
		Int64("size", result.Size).
		Msg("attachment uploaded")

	return &Attachment{
		URL:  ResolveURL(p.client.origin, result.URL),
		Kind: allowedAttachmentTypes[mt],
		Path: result.URL,
	}, nil
}

func fileHeader(name, contentType string) map[string][]string {
	return map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, name)},
		"Content-Type":        {contentType},
	}
}

// ResolveURL turns a server-relative attachment path into an absolute URL.
// Absolute URLs are returned unchanged.
func ResolveURL(origin, ref string) string {
	if ref == "" || origin == "" {
		return ref
	}
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	base, err := url.Parse(strings.TrimRight(origin, "/") + "/")
	if err != nil {
		return ref
	}
	rel, err := url.Parse(strings.TrimLeft(ref, "/"))
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}

// DetectContentType returns the MIME type for a file name's extension.
func DetectContentType(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	// Types missing from Go's builtin registry or named differently by browsers
	fallback := map[string]string{
		".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".webp": "image/webp",
		".webm": "video/webm", ".mov": "video/mov", ".avi": "video/avi", ".mp4": "video/mp4",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
