// Package whatsapp maintains a native WhatsApp session over whatsmeow for
// deployments that talk to WhatsApp directly instead of through Twilio.
// The session store lives in its own database, separate from the engine's.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/convstack/botengine/internal/store"
)

const (
	// DefaultSQLitePath is where the whatsmeow session database lands when
	// no DSN is configured.
	DefaultSQLitePath = "/var/lib/botengine/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID domain for end-user numbers.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppSender sends a plain text message to a phone number. Satisfied by
// Client and by MockClient in tests.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds session configuration: where the whatsmeow store lives and how
// the one-time device pairing is presented.
type Opts struct {
	DBDSN       string
	QRPath      string
	NumericCode bool
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the pairing QR code to the given file instead of
// stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the pairing code as digits rather than a QR code,
// for terminals that cannot draw one.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the session store, pairs the device if this is the first
// run, and connects. It blocks through the pairing flow, so a fresh
// deployment needs an operator watching the QR output.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	waClient, err := openSession(cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	if waClient.Store.ID == nil {
		if err := pairDevice(waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("Client.NewClient: session exists, connecting")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp: %w", err)
		}
	}

	slog.Info("Client.NewClient: WhatsApp session connected")
	return &Client{waClient: waClient}, nil
}

// openSession opens the whatsmeow device store and builds an unconnected
// client around its first device.
func openSession(dsn string) (*whatsmeow.Client, error) {
	if dsn == "" {
		dsn = DefaultSQLitePath
		slog.Debug("Client.openSession: using default session path", "path", dsn)
	}

	driver := "sqlite3"
	if store.DetectDSNType(dsn) == "postgres" {
		driver = "postgres"
	} else if !strings.Contains(dsn, "foreign_keys") {
		// whatsmeow wants foreign keys on for its SQLite schema.
		slog.Warn("Client.openSession: session DSN has no foreign_keys pragma",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open WhatsApp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load WhatsApp device: %w", err)
	}
	return whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true)), nil
}

// pairDevice runs the interactive login flow, emitting the pairing QR code
// (or numeric code) until WhatsApp confirms the device.
func pairDevice(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("Client.pairDevice: no session stored, login required")

	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect for WhatsApp pairing: %w", err)
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if cfg.NumericCode {
				fmt.Fprintln(out, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
			}
		default:
			slog.Info("Client.pairDevice: login event", "event", evt.Event)
		}
	}
	return nil
}

// SendMessage sends a plain text message to the given phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("Client.SendMessage: send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Client.SendMessage: message sent", "to", to, "body_length", len(body))
	return nil
}

// GetClient exposes the underlying whatsmeow client so the messaging service
// can register event handlers.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// MockClient is a no-op WhatsAppSender for tests.
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return nil
}
