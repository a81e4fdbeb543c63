package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	"voicegate/internal/audio"
)

type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
	Close() error
}

type GoogleOptions struct {
	Language        string
	CredentialsFile string // empty uses Application Default Credentials
	Logger          *slog.Logger
}

// Google transcribes with Cloud Speech-to-Text synchronous recognition.
type Google struct {
	opts  GoogleOptions
	log   *slog.Logger
	model string

	mu     sync.Mutex
	client recognizer
}

func NewGoogle(o GoogleOptions) *Google {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Language == "" {
		o.Language = "en-US"
	}
	return &Google{opts: o, log: o.Logger.With("engine", "google")}
}

// newGoogleWithClient is used by tests to inject a fake recognizer.
func newGoogleWithClient(o GoogleOptions, c recognizer) *Google {
	g := NewGoogle(o)
	g.client = c
	return g
}

func (g *Google) Describe() (name, backend string) {
	if g.model == "" {
		return "default", "google"
	}
	return g.model, "google"
}

// Load opens the Speech client. Nothing is cached locally; cacheDir is
// unused.
func (g *Google) Load(ctx context.Context, model, cacheDir string) error {
	g.model = model
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return nil
	}
	var opts []option.ClientOption
	if g.opts.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(g.opts.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create speech client: %w", err)
	}
	g.client = c
	return nil
}

func (g *Google) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

func (g *Google) Transcribe(ctx context.Context, utt audio.Utterance, language string) (string, error) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil {
		return "", errors.New("speech client is not loaded")
	}
	if utt.Format.Width != 2 {
		return "", fmt.Errorf("LINEAR16 needs 16-bit samples, got %d-bit", utt.Format.Width*8)
	}
	if language == "" {
		language = g.opts.Language
	}
	cfg := &speechpb.RecognitionConfig{
		Encoding:          speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:   int32(utt.Format.Rate),
		AudioChannelCount: int32(utt.Format.Channels),
		LanguageCode:      language,
		Model:             g.model,
	}
	resp, err := client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: cfg,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: utt.Audio}},
	})
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}
	var parts []string
	for _, r := range resp.GetResults() {
		if alts := r.GetAlternatives(); len(alts) > 0 {
			parts = append(parts, strings.TrimSpace(alts[0].GetTranscript()))
		}
	}
	return strings.Join(parts, " "), nil
}
