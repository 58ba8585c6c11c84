package supportchat_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailkit/supportchat"
	"github.com/retailkit/supportchat/supportchattest"
)

func pngFile(size int) supportchat.File {
	return supportchat.File{Name: "receipt.png", Data: bytes.Repeat([]byte{0x89}, size)}
}

// ============================================================================
// Validate
// ============================================================================

func TestAttachmentValidate(t *testing.T) {
	p := supportchat.NewAttachmentPipeline(supportchat.NewClient(nil))

	tests := []struct {
		name    string
		file    supportchat.File
		wantErr error
	}{
		{"png within limit", pngFile(1024), nil},
		{"exactly ten megabytes", pngFile(supportchat.MaxAttachmentSize), nil},
		{"twelve megabytes", pngFile(12 * 1024 * 1024), supportchat.ErrAttachmentTooLarge},
		{"executable", supportchat.File{Name: "setup.exe", Data: []byte("MZ")}, supportchat.ErrAttachmentType},
		{"pdf", supportchat.File{Name: "invoice.pdf", Data: []byte("%PDF")}, supportchat.ErrAttachmentType},
		{"declared type wins over name", supportchat.File{Name: "clip", ContentType: "video/webm", Data: []byte{1}}, nil},
		{"declared type with params", supportchat.File{Name: "x", ContentType: "image/JPEG; q=1", Data: []byte{1}}, nil},
		{"empty", supportchat.File{Name: "empty.png"}, supportchat.ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.file)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			var verr *supportchat.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "file", verr.Field)
		})
	}
}

// ============================================================================
// Upload
// ============================================================================

func TestAttachmentUpload(t *testing.T) {
	b := newBackend(t)
	scope := b.seedConversation("c-1", shopper)
	p := supportchat.NewAttachmentPipeline(b.client(shopper))
	sender := supportchat.SenderMeta{SenderID: shopper.ParticipantID, SenderName: shopper.DisplayName, SenderType: supportchat.SenderUser}
	ctx := context.Background()

	t.Run("oversized file never reaches the server", func(t *testing.T) {
		_, err := p.Upload(ctx, pngFile(12*1024*1024), scope, sender)
		require.ErrorIs(t, err, supportchat.ErrAttachmentTooLarge)
		assert.Zero(t, b.srv.Calls("POST /chat/{id}/upload"))
	})

	t.Run("disallowed type never reaches the server", func(t *testing.T) {
		_, err := p.Upload(ctx, supportchat.File{Name: "tool.exe", Data: []byte("MZ")}, scope, sender)
		require.ErrorIs(t, err, supportchat.ErrAttachmentType)
		assert.Zero(t, b.srv.Calls("POST /chat/{id}/upload"))
	})

	t.Run("image upload resolves against the origin", func(t *testing.T) {
		att, err := p.Upload(ctx, pngFile(2048), scope, sender)
		require.NoError(t, err)
		assert.Equal(t, supportchat.AttachmentImage, att.Kind)
		assert.True(t, strings.HasPrefix(att.Path, "/uploads/"), att.Path)
		assert.Equal(t, b.ts.URL+att.Path, att.URL)

		resp, err := http.Get(att.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Len(t, data, 2048)
	})

	t.Run("order chat video upload", func(t *testing.T) {
		order := b.seedOrderChat("9001", "processing", shopper)
		att, err := p.Upload(ctx, supportchat.File{Name: "unboxing.mp4", Data: []byte{0, 0, 0, 1}}, order, sender)
		require.NoError(t, err)
		assert.Equal(t, supportchat.AttachmentVideo, att.Kind)
		assert.Eventually(t, func() bool {
			return b.srv.Calls("POST /order-chat/{orderId}/upload") == 1
		}, waitTimeout, 5*time.Millisecond)
	})

	t.Run("server failure is returned", func(t *testing.T) {
		b.srv.Fail(supportchattest.OpUpload, true)
		defer b.srv.Fail(supportchattest.OpUpload, false)

		_, err := p.Upload(ctx, pngFile(10), scope, sender)
		require.Error(t, err)
		var apiErr *supportchat.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	})
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.jpeg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o600))

	f, err := supportchat.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "photo.jpeg", f.Name)
	assert.Equal(t, "image/jpeg", f.MimeType())
	assert.EqualValues(t, 4, f.Size())

	_, err = supportchat.ReadFile(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

// ============================================================================
// Helpers
// ============================================================================

func TestResolveURL(t *testing.T) {
	tests := []struct {
		origin, ref, want string
	}{
		{"https://shop.example", "/uploads/a.png", "https://shop.example/uploads/a.png"},
		{"https://shop.example/", "uploads/a.png", "https://shop.example/uploads/a.png"},
		{"https://shop.example", "https://cdn.example/a.png", "https://cdn.example/a.png"},
		{"https://shop.example", "", ""},
		{"", "/uploads/a.png", "/uploads/a.png"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, supportchat.ResolveURL(tt.origin, tt.ref), "%s + %s", tt.origin, tt.ref)
	}
}

func TestDetectContentType(t *testing.T) {
	tests := map[string]string{
		"a.JPG":              "image/jpeg",
		"b.webp":             "image/webp",
		"c.mov":              "video/mov",
		"d.mp4?token=x":      "video/mp4",
		"noext":              "application/octet-stream",
		"/uploads/clip.webm": "video/webm",
	}
	for name, want := range tests {
		assert.Equal(t, want, supportchat.DetectContentType(name), name)
	}
}
