package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/convstack/botengine/internal/models"
)

// DefaultGraphAPIBase is the Facebook Graph API endpoint messages are posted to.
const DefaultGraphAPIBase = "https://graph.facebook.com/v19.0"

// MessengerService implements Service for Facebook Messenger using the Send API.
// Inbound traffic arrives on the webhook, so Responses is unused.
type MessengerService struct {
	httpClient  *http.Client
	apiBase     string
	accessToken string
	receipts    chan models.Receipt
	responses   chan models.Response
	mu          sync.RWMutex
	stopped     bool
}

// MessengerOption configures a MessengerService.
type MessengerOption func(*MessengerService)

// WithGraphAPIBase overrides the Graph API endpoint (for tests).
func WithGraphAPIBase(base string) MessengerOption {
	return func(s *MessengerService) { s.apiBase = base }
}

// WithHTTPClient overrides the HTTP client used for Send API calls.
func WithHTTPClient(c *http.Client) MessengerOption {
	return func(s *MessengerService) { s.httpClient = c }
}

// NewMessengerService creates a MessengerService sending with the given page access token.
func NewMessengerService(accessToken string, opts ...MessengerOption) *MessengerService {
	s := &MessengerService{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		apiBase:     DefaultGraphAPIBase,
		accessToken: accessToken,
		receipts:    make(chan models.Receipt, DefaultChannelBufferSize),
		responses:   make(chan models.Response, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates a Messenger page-scoped user ID.
// PSIDs are opaque, so only emptiness is checked.
func (s *MessengerService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	return recipient, nil
}

// Start is a no-op for Messenger (webhook driven).
func (s *MessengerService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *MessengerService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends a plain text message via the Send API.
func (s *MessengerService) SendMessage(ctx context.Context, to string, body string) error {
	msg := json.RawMessage(fmt.Sprintf(`{"text":%s}`, mustJSON(body)))
	return s.post(ctx, to, msg)
}

// SendPayload posts each message in a rendered Messenger payload to the Send
// API. The Send API takes one message per call.
func (s *MessengerService) SendPayload(ctx context.Context, payload *models.ChannelPayload) error {
	var env struct {
		Recipient struct {
			ID string `json:"id"`
		} `json:"recipient"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload.Body, &env); err != nil {
		slog.Error("MessengerService SendPayload decode error", "error", err, "to", payload.To)
		return fmt.Errorf("failed to decode outbound payload: %w", err)
	}

	to := env.Recipient.ID
	if to == "" {
		to = payload.To
	}
	for _, msg := range env.Messages {
		if err := s.post(ctx, to, msg); err != nil {
			return err
		}
	}
	return nil
}

// Receipts returns a channel of receipt events.
func (s *MessengerService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of incoming response events (unused for Messenger).
func (s *MessengerService) Responses() <-chan models.Response {
	return s.responses
}

// post sends one message object to the Send API.
func (s *MessengerService) post(ctx context.Context, to string, message json.RawMessage) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	to, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}

	reqBody := map[string]interface{}{
		"recipient":      map[string]string{"id": to},
		"messaging_type": "RESPONSE",
		"message":        message,
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to encode Send API request: %w", err)
	}

	url := fmt.Sprintf("%s/me/messages?access_token=%s", s.apiBase, s.accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build Send API request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Error("MessengerService Send API call failed", "error", err, "to", to)
		return fmt.Errorf("send API call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("MessengerService Send API rejected message", "status", resp.StatusCode, "to", to, "detail", string(detail))
		return fmt.Errorf("send API returned status %d", resp.StatusCode)
	}

	s.safeEmitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *MessengerService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
	}
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
