package speech

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeAudio struct {
	calls int
	data  string
	err   error
}

func (f *fakeAudio) Create(_ context.Context, _ string) (io.ReadCloser, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.data)), nil
}

func TestSynthesizeWritesMediaFile(t *testing.T) {
	dir := t.TempDir()
	audio := &fakeAudio{data: "mp3-bytes"}
	c := &Client{audio: audio, mediaDir: dir, baseURL: "https://bot.example.com/media"}

	url, err := c.Synthesize(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if !strings.HasPrefix(url, "https://bot.example.com/media/") || !strings.HasSuffix(url, ".mp3") {
		t.Errorf("unexpected URL %s", url)
	}

	name := url[strings.LastIndex(url, "/")+1:]
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("failed to read media file: %v", err)
	}
	if string(data) != "mp3-bytes" {
		t.Errorf("unexpected file contents %q", data)
	}
}

func TestSynthesizeReusesExistingFile(t *testing.T) {
	dir := t.TempDir()
	audio := &fakeAudio{data: "mp3-bytes"}
	c := &Client{audio: audio, mediaDir: dir, baseURL: "https://bot.example.com/media"}

	first, err := c.Synthesize(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("first Synthesize failed: %v", err)
	}
	second, err := c.Synthesize(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("second Synthesize failed: %v", err)
	}
	if first != second {
		t.Errorf("expected stable URL, got %s then %s", first, second)
	}
	if audio.calls != 1 {
		t.Errorf("expected 1 synthesis call, got %d", audio.calls)
	}
}

func TestSynthesizePropagatesServiceError(t *testing.T) {
	dir := t.TempDir()
	audio := &fakeAudio{err: errors.New("quota exceeded")}
	c := &Client{audio: audio, mediaDir: dir, baseURL: "https://bot.example.com/media"}

	if _, err := c.Synthesize(context.Background(), "Hello there."); err == nil {
		t.Error("expected error from failed synthesis")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read media dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files after failure, found %d", len(entries))
	}
}
