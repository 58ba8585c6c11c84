package supportchat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// SignatureHeader carries the HMAC of an order status webhook body.
const SignatureHeader = "X-Signature"

// OrderStatusEvent is the body of an order status webhook.
type OrderStatusEvent struct {
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	ChatDeleted bool   `json:"chatDeleted"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// ChatActive reports whether the order's chat stays listed after the event.
func (e OrderStatusEvent) ChatActive() bool {
	return OrderChat{OrderStatus: e.Status, ChatDeleted: e.ChatDeleted}.Active()
}

// OrderStatusHandlerFunc is the callback signature for order status events.
type OrderStatusHandlerFunc func(event *OrderStatusEvent) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 signature of body.
// The signature may carry a "sha256=" prefix.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the X-Signature value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseOrderStatusEvent parses a raw webhook body.
func ParseOrderStatusEvent(body string) (*OrderStatusEvent, error) {
	var raw struct {
		OrderID     flexString `json:"orderId"`
		Status      string     `json:"status"`
		ChatDeleted bool       `json:"chatDeleted"`
		Timestamp   int64      `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if raw.OrderID == "" {
		return nil, fmt.Errorf("missing orderId in webhook body")
	}
	if raw.Status == "" && !raw.ChatDeleted {
		return nil, fmt.Errorf("webhook body carries neither status nor chatDeleted")
	}
	return &OrderStatusEvent{
		OrderID:     string(raw.OrderID),
		Status:      strings.ToLower(raw.Status),
		ChatDeleted: raw.ChatDeleted,
		Timestamp:   raw.Timestamp,
	}, nil
}

// ============================================================================
// OrderStatusWebhook
// ============================================================================

// OrderStatusWebhook receives order status transitions pushed by the shop
// backend. Chats of rejected, cancelled or deleted orders are removed from
// the directory through Directory.HandleOrderStatus.
type OrderStatusWebhook struct {
	secret   string
	onStatus OrderStatusHandlerFunc
}

// NewOrderStatusWebhook creates a webhook handler.
func NewOrderStatusWebhook(secret string, onStatus OrderStatusHandlerFunc) (*OrderStatusWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if onStatus == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	return &OrderStatusWebhook{secret: secret, onStatus: onStatus}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *OrderStatusWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *OrderStatusWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	event, err := ParseOrderStatusEvent(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onStatus(event); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := supportchat.NewOrderStatusWebhook(secret, dir.HandleOrderStatus)
//	http.Handle("/webhooks/order-status", wh.HTTPHandler())
func (w *OrderStatusWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}

// HandleOrderStatus applies a webhook event to the directory. It has the
// OrderStatusHandlerFunc signature.
func (d *Directory) HandleOrderStatus(event *OrderStatusEvent) error {
	d.ApplyOrderStatus(event.OrderID, event.Status, event.ChatDeleted)
	return nil
}
