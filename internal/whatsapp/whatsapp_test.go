package whatsapp

import (
	"context"
	"testing"
)

func TestOptions(t *testing.T) {
	opts := &Opts{}
	for _, opt := range []Option{
		WithDBDSN("/tmp/whatsmeow.db"),
		WithQRCodeOutput("/tmp/qr.txt"),
		WithNumericCode(),
	} {
		opt(opts)
	}

	if opts.DBDSN != "/tmp/whatsmeow.db" {
		t.Errorf("Expected DBDSN to be set, got %q", opts.DBDSN)
	}
	if opts.QRPath != "/tmp/qr.txt" {
		t.Errorf("Expected QRPath to be set, got %q", opts.QRPath)
	}
	if !opts.NumericCode {
		t.Error("Expected NumericCode to be set")
	}
}

func TestMockClientImplementsSender(t *testing.T) {
	var sender WhatsAppSender = NewMockClient()
	if err := sender.SendMessage(context.Background(), "15557778888", "hello"); err != nil {
		t.Errorf("MockClient SendMessage failed: %v", err)
	}
}
