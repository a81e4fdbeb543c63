package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"voicegate/internal/audio"
	"voicegate/internal/engine"
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type PollyOptions struct {
	Region     string
	Engine     string // standard, neural, generative, long-form
	SampleRate int    // 8000 or 16000 for PCM
	ChunkBytes int
	Logger     *slog.Logger
}

// Polly synthesizes with Amazon Polly. PCM output is signed 16-bit
// little-endian mono at the requested sample rate.
type Polly struct {
	opts  PollyOptions
	log   *slog.Logger
	voice string

	mu     sync.Mutex
	client synthClient
}

func NewPolly(o PollyOptions) *Polly {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SampleRate == 0 {
		o.SampleRate = 16000
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = 4096
	}
	return &Polly{opts: o, log: o.Logger.With("engine", "polly")}
}

func newPollyWithClient(o PollyOptions, c synthClient) *Polly {
	p := NewPolly(o)
	p.client = c
	return p
}

func (p *Polly) Describe() (name, backend string) { return p.voice, "polly" }

// Load resolves AWS credentials and builds the client. Voices are hosted, so
// cacheDir is unused.
func (p *Polly) Load(ctx context.Context, voice, cacheDir string) error {
	p.voice = voice
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if p.opts.Region != "" {
		opts = append(opts, awsconfig.WithRegion(p.opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(cfg)
	return nil
}

func (p *Polly) Close() error { return nil }

func (p *Polly) format() audio.Format {
	return audio.Format{Rate: p.opts.SampleRate, Width: 2, Channels: 1}
}

func (p *Polly) Synthesize(ctx context.Context, text, voice string) (engine.FrameStream, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return nil, errors.New("polly client is not loaded")
	}
	if voice == "" {
		voice = p.voice
	}
	rate := fmt.Sprint(p.opts.SampleRate)
	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       pollyEngine(p.opts.Engine),
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   &rate,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	})
	if err != nil {
		return nil, describePollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, errors.New("polly returned no audio")
	}
	return engine.NewReaderStream(p.format(), out.AudioStream, p.opts.ChunkBytes, out.AudioStream.Close), nil
}

func pollyEngine(name string) pollytypes.Engine {
	switch strings.ToLower(name) {
	case "neural":
		return pollytypes.EngineNeural
	case "generative":
		return pollytypes.EngineGenerative
	case "long-form":
		return pollytypes.EngineLongForm
	default:
		return pollytypes.EngineStandard
	}
}

// describePollyError keeps the service's error code and message, which end
// up in the client's error event.
func describePollyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("polly %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("polly: %w", err)
}
