package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"voicegate/internal/audio"
	"voicegate/internal/engine"
	"voicegate/internal/services/fetch"
)

const piperRelease = "https://github.com/rhasspy/piper/releases/download/2023.11.14-2/"

var voiceBases = []string{
	"https://huggingface.co/rhasspy/piper-voices/resolve/main/",
	"https://huggingface.co/rhasspy/piper-voices/raw/main/",
}

// startFunc launches piper for one utterance and returns its raw PCM output.
type startFunc func(ctx context.Context, bin string, args, env []string, text string) (io.ReadCloser, error)

type PiperOptions struct {
	BinaryURL  string
	ChunkBytes int
	// OnnxRuntimeLib enables voice verification at load: a path to the
	// onnxruntime shared library, or "auto" to download it into the cache.
	OnnxRuntimeLib string
	Fetch          *fetch.Client
	Logger         *slog.Logger
}

type voiceModel struct {
	path   string
	format audio.Format
}

// Piper synthesizes with the piper command line tool, streaming its raw
// output as frames while it runs.
type Piper struct {
	opts     PiperOptions
	log      *slog.Logger
	start    startFunc
	voice    string
	binDir   string
	voiceDir string
	bin      string
	loaded   voiceModel
	ort      *onnxVerifier

	mu     sync.Mutex
	extras map[string]voiceModel
}

func NewPiper(o PiperOptions) *Piper {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Fetch == nil {
		o.Fetch = fetch.New(o.Logger)
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = 4096
	}
	return &Piper{opts: o, log: o.Logger.With("engine", "piper"), start: execStart, extras: map[string]voiceModel{}}
}

func (p *Piper) Describe() (name, backend string) { return p.voice, "piper" }

// Load installs piper and the voice's .onnx/.onnx.json under cacheDir.
func (p *Piper) Load(ctx context.Context, voice, cacheDir string) error {
	p.voice = voice
	p.binDir = filepath.Join(cacheDir, "bin")
	p.voiceDir = filepath.Join(cacheDir, "voices")
	bin, err := p.ensureBinary(ctx)
	if err != nil {
		return err
	}
	p.bin = bin
	m, err := p.ensureVoice(ctx, voice)
	if err != nil {
		return err
	}
	if p.opts.OnnxRuntimeLib != "" {
		v, err := newOnnxVerifier(ctx, p.opts.OnnxRuntimeLib, filepath.Join(cacheDir, "onnxruntime"), p.opts.Fetch)
		if err != nil {
			return fmt.Errorf("onnxruntime: %w", err)
		}
		p.ort = v
		if err := v.verifyVoice(m.path); err != nil {
			return fmt.Errorf("verify voice %s: %w", voice, err)
		}
		p.log.Info("voice verified", "voice", voice)
	}
	p.loaded = m
	return nil
}

func (p *Piper) Close() error {
	if p.ort != nil {
		return p.ort.close()
	}
	return nil
}

// Synthesize starts piper and returns its output as a lazy frame stream.
// Voices other than the loaded one are used only when already cached.
func (p *Piper) Synthesize(ctx context.Context, text, voice string) (engine.FrameStream, error) {
	if p.bin == "" {
		return nil, errors.New("piper is not loaded")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty text")
	}
	m, err := p.voiceFor(voice)
	if err != nil {
		return nil, err
	}
	binDir := filepath.Dir(p.bin)
	env := []string{
		"PATH=" + binDir + string(os.PathListSeparator) + os.Getenv("PATH"),
		"ESPEAK_DATA_PATH=" + filepath.Join(binDir, "espeak-ng-data"),
	}
	out, err := p.start(ctx, p.bin, []string{"--model", m.path, "--output-raw"}, env, text)
	if err != nil {
		return nil, fmt.Errorf("start piper: %w", err)
	}
	return engine.NewReaderStream(m.format, out, p.opts.ChunkBytes, out.Close), nil
}

func (p *Piper) voiceFor(voice string) (voiceModel, error) {
	if voice == "" || voice == p.voice {
		return p.loaded, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.extras[voice]; ok {
		return m, nil
	}
	onnx, cfg, ok := p.voicePaths(voice)
	if !ok || !fetch.Exists(onnx) || !fetch.Exists(cfg) {
		return voiceModel{}, fmt.Errorf("voice %q is not installed", voice)
	}
	f, err := readVoiceFormat(cfg)
	if err != nil {
		return voiceModel{}, err
	}
	m := voiceModel{path: onnx, format: f}
	p.extras[voice] = m
	return m, nil
}

func (p *Piper) ensureBinary(ctx context.Context) (string, error) {
	if bin := fetch.FindExecutable(p.binDir, "piper"); bin != "" {
		return bin, nil
	}
	urls, file := piperDownloadURLs()
	if p.opts.BinaryURL != "" {
		urls, file = []string{p.opts.BinaryURL}, filepath.Base(p.opts.BinaryURL)
	}
	if len(urls) == 0 {
		return "", fmt.Errorf("unsupported platform for piper: %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	archive := filepath.Join(p.binDir, file)
	if err := p.opts.Fetch.FirstOf(ctx, urls, archive); err != nil {
		return "", fmt.Errorf("download piper: %w", err)
	}
	defer os.Remove(archive)
	if err := fetch.Extract(archive, p.binDir); err != nil {
		return "", fmt.Errorf("extract piper: %w", err)
	}
	bin := fetch.FindExecutable(p.binDir, "piper")
	if bin == "" {
		return "", errors.New("piper binary not found after extraction")
	}
	return bin, nil
}

func (p *Piper) ensureVoice(ctx context.Context, voice string) (voiceModel, error) {
	onnx, cfg, ok := p.voicePaths(voice)
	if !ok {
		return voiceModel{}, fmt.Errorf("unsupported voice: %s", voice)
	}
	rel, _ := voiceRelativeBase(voice)
	if !fetch.Exists(onnx) {
		if err := p.fetchVoiceAsset(ctx, rel+"/"+filepath.Base(onnx), onnx); err != nil {
			return voiceModel{}, fmt.Errorf("voice model .onnx: %w", err)
		}
	}
	if !fetch.Exists(cfg) {
		if err := p.fetchVoiceAsset(ctx, rel+"/"+filepath.Base(cfg), cfg); err != nil {
			return voiceModel{}, fmt.Errorf("voice config .json: %w", err)
		}
	}
	f, err := readVoiceFormat(cfg)
	if err != nil {
		return voiceModel{}, err
	}
	return voiceModel{path: onnx, format: f}, nil
}

func (p *Piper) fetchVoiceAsset(ctx context.Context, relPath, dst string) error {
	urls := make([]string, 0, len(voiceBases))
	for _, b := range voiceBases {
		urls = append(urls, b+relPath)
	}
	if err := p.opts.Fetch.FirstOf(ctx, urls, dst); err == nil {
		return nil
	}
	if !strings.HasSuffix(dst, ".onnx") {
		return fmt.Errorf("asset not found for %s", relPath)
	}
	// some mirrors only carry the gzipped model
	gz := dst + ".gz"
	defer os.Remove(gz)
	for i := range urls {
		urls[i] += ".gz"
	}
	if err := p.opts.Fetch.FirstOf(ctx, urls, gz); err != nil {
		return fmt.Errorf("asset not found for %s", relPath)
	}
	return fetch.Gunzip(gz, dst)
}

func (p *Piper) voicePaths(voice string) (onnx, cfg string, ok bool) {
	if _, ok := voiceRelativeBase(voice); !ok {
		return "", "", false
	}
	dir := filepath.Join(p.voiceDir, voice)
	return filepath.Join(dir, voice+".onnx"), filepath.Join(dir, voice+".onnx.json"), true
}

// voiceRelativeBase maps en_US-amy-medium to en/en_US/amy/medium, the
// layout of the piper-voices repository.
func voiceRelativeBase(voice string) (string, bool) {
	parts := strings.Split(voice, "-")
	if len(parts) < 3 || len(parts[0]) < 2 {
		return "", false
	}
	locale := parts[0]
	quality := parts[len(parts)-1]
	name := strings.Join(parts[1:len(parts)-1], "-")
	return strings.Join([]string{strings.ToLower(locale[:2]), locale, name, quality}, "/"), true
}

// readVoiceFormat reads the native output format from a voice's .onnx.json.
// piper always writes 16-bit mono.
func readVoiceFormat(path string) (audio.Format, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return audio.Format{}, err
	}
	var cfg struct {
		Audio struct {
			SampleRate int `json:"sample_rate"`
		} `json:"audio"`
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return audio.Format{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if cfg.Audio.SampleRate <= 0 {
		return audio.Format{}, fmt.Errorf("%s has no audio.sample_rate", filepath.Base(path))
	}
	return audio.Format{Rate: cfg.Audio.SampleRate, Width: 2, Channels: 1}, nil
}

func piperDownloadURLs() ([]string, string) {
	var file string
	switch runtime.GOOS {
	case "windows":
		file = "piper_windows_amd64.zip"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			file = "piper_macos_aarch64.tar.gz"
		} else {
			file = "piper_macos_x64.tar.gz"
		}
	case "linux":
		switch runtime.GOARCH {
		case "arm64":
			file = "piper_linux_aarch64.tar.gz"
		case "arm":
			file = "piper_linux_armv7l.tar.gz"
		default:
			file = "piper_linux_x86_64.tar.gz"
		}
	default:
		return nil, ""
	}
	return []string{piperRelease + file}, file
}

// piperProcess is the stdout of a running piper. Reading past the end waits
// for the process so a failed run surfaces as an error instead of a short
// stream.
type piperProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	once   sync.Once
	err    error
}

func execStart(ctx context.Context, bin string, args, env []string, text string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = filepath.Dir(bin)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &piperProcess{cmd: cmd, stdout: stdout, stderr: &stderr}, nil
}

func (p *piperProcess) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if err == io.EOF {
		if werr := p.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (p *piperProcess) wait() error {
	p.once.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.err = fmt.Errorf("piper failed: %w: %s", err, strings.TrimSpace(p.stderr.String()))
		}
	})
	return p.err
}

// Close stops piper if it is still producing and reaps it.
func (p *piperProcess) Close() error {
	if p.cmd.ProcessState == nil {
		_ = p.cmd.Process.Kill()
	}
	p.wait()
	return nil
}
