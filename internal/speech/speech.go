// Package speech synthesizes spoken audio for voice-call playback using the OpenAI API.

package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// audioService defines minimal interface for speech synthesis.
type audioService interface {
	Create(ctx context.Context, text string) (io.ReadCloser, error)
}

// Client converts text into MP3 files under a media directory and returns
// URLs where a voice call can fetch them. Repeated input reuses the file
// written for the first synthesis.
type Client struct {
	audio    audioService
	mediaDir string
	baseURL  string
}

// NewClient initializes a speech client using the OPENAI_API_KEY environment
// variable. mediaDir is where MP3 files are written; baseURL is the public
// prefix under which that directory is served.
func NewClient(mediaDir, baseURL string) (*Client, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{audio: &openAIAudio{client: &cli}, mediaDir: mediaDir, baseURL: baseURL}, nil
}

// Synthesize returns a URL for an MP3 voicing of text, generating the file
// on first use.
func (c *Client) Synthesize(ctx context.Context, text string) (string, error) {
	sum := sha256.Sum256([]byte(text))
	name := hex.EncodeToString(sum[:16]) + ".mp3"
	path := filepath.Join(c.mediaDir, name)
	url := c.baseURL + "/" + name

	if _, err := os.Stat(path); err == nil {
		return url, nil
	}

	body, err := c.audio.Create(ctx, text)
	if err != nil {
		return "", fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(c.mediaDir, name+".tmp*")
	if err != nil {
		return "", fmt.Errorf("failed to create media file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close media file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to publish media file: %w", err)
	}
	return url, nil
}

// openAIAudio adapts the OpenAI speech endpoint to audioService.
type openAIAudio struct {
	client *openai.Client
}

func (o *openAIAudio) Create(ctx context.Context, text string) (io.ReadCloser, error) {
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModelTTS1,
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoiceAlloy,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
