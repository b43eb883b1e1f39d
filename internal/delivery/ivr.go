package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twilio/twilio-go/twiml"

	"github.com/convstack/botengine/internal/models"
)

// Synthesizer produces a playable audio URL for a piece of text. Renderers
// use it to voice blocks that have no pre-recorded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

const gatherTimeoutSeconds = "10"

// IVRRenderer renders outbound blocks as TwiML for Twilio voice calls.
// Question blocks become a single-digit Gather whose action posts back to
// the webhook that drives the call.
type IVRRenderer struct {
	actionURL string
	synth     Synthesizer
	synthWait time.Duration
}

// NewIVRRenderer creates an IVRRenderer. actionURL is where Twilio posts
// gathered digits. synth may be nil, in which case blocks without audio
// fall back to <Say>.
func NewIVRRenderer(actionURL string, synth Synthesizer) *IVRRenderer {
	return &IVRRenderer{
		actionURL: actionURL,
		synth:     synth,
		synthWait: 15 * time.Second,
	}
}

func (r *IVRRenderer) Render(to string, blocks []models.StoryBlock) (*models.ChannelPayload, error) {
	var verbs []twiml.Element
	for _, block := range blocks {
		elems, err := r.renderBlock(block)
		if err != nil {
			return nil, err
		}
		verbs = append(verbs, elems...)
	}
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return nil, fmt.Errorf("failed to build TwiML: %w", err)
	}
	return &models.ChannelPayload{To: to, ContentType: "text/xml", Body: []byte(doc)}, nil
}

func (r *IVRRenderer) RenderFallback(to string) *models.ChannelPayload {
	doc, err := twiml.Voice([]twiml.Element{&twiml.VoiceSay{Message: FallbackMessage}})
	if err != nil {
		slog.Error("IVRRenderer.RenderFallback: failed to build TwiML", "error", err)
		doc = "<Response/>"
	}
	return &models.ChannelPayload{To: to, ContentType: "text/xml", Body: []byte(doc)}
}

func (r *IVRRenderer) renderBlock(block models.StoryBlock) ([]twiml.Element, error) {
	switch block.Type {
	case models.BlockTypeTextMessage, models.BlockTypeEvent, models.BlockTypeAudioMessage:
		return []twiml.Element{r.voice(block.AudioURL, block.Message)}, nil

	case models.BlockTypeQuestion:
		// Announced digits are the positional indexes the gather parser
		// resolves, so the first option is always "press 0".
		prompt := block.Message
		for i, opt := range block.Options {
			prompt += fmt.Sprintf(" For %s, press %d.", opt.Message, i)
		}
		gather := &twiml.VoiceGather{
			NumDigits:     "1",
			Action:        r.actionURL,
			Method:        "POST",
			Timeout:       gatherTimeoutSeconds,
			InnerElements: []twiml.Element{r.voice(block.AudioURL, prompt)},
		}
		return []twiml.Element{gather}, nil

	case models.BlockTypeInteractiveURLButton:
		// Links cannot be followed on a voice call; speak the message only.
		return []twiml.Element{&twiml.VoiceSay{Message: block.Message}}, nil

	default:
		return nil, fmt.Errorf("cannot render block type %s for IVR", block.Type)
	}
}

// voice plays pre-recorded audio when available, otherwise synthesizes the
// text, falling back to <Say> when synthesis is unavailable or fails.
func (r *IVRRenderer) voice(audioURL, text string) twiml.Element {
	if audioURL != "" {
		return &twiml.VoicePlay{Url: audioURL}
	}
	if r.synth != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.synthWait)
		defer cancel()
		url, err := r.synth.Synthesize(ctx, text)
		if err != nil {
			slog.Warn("IVRRenderer.voice: synthesis failed, falling back to say", "error", err)
		} else {
			return &twiml.VoicePlay{Url: url}
		}
	}
	return &twiml.VoiceSay{Message: text}
}
