package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"voicegate/internal/audio"
	"voicegate/internal/services/fetch"
)

var whisperBinaries = []string{"whisper-cli", "whisper", "whisper-command", "main"}

// runFunc executes a prepared engine command.
type runFunc func(ctx context.Context, bin string, args, env []string, dir string) error

// WhisperOptions configures the whisper.cpp engine.
type WhisperOptions struct {
	Language  string // used when a transcribe event names none
	BinaryURL string // overrides the per-platform release archive
	Fetch     *fetch.Client
	Logger    *slog.Logger
}

// Whisper transcribes through the whisper.cpp command line tool. The binary
// and ggml model are downloaded into the cache directory on first load.
type Whisper struct {
	opts      WhisperOptions
	log       *slog.Logger
	run       runFunc
	model     string
	binDir    string
	bin       string
	modelPath string
}

func NewWhisper(o WhisperOptions) *Whisper {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Fetch == nil {
		o.Fetch = fetch.New(o.Logger)
	}
	if o.Language == "" {
		o.Language = "en"
	}
	return &Whisper{opts: o, log: o.Logger.With("engine", "whisper"), run: execRun}
}

func (w *Whisper) Describe() (name, backend string) { return w.model, "whisper" }

// Load makes sure the whisper.cpp binary and ggml-<model>.bin exist under
// cacheDir.
func (w *Whisper) Load(ctx context.Context, model, cacheDir string) error {
	w.model = strings.ToLower(model)
	w.binDir = filepath.Join(cacheDir, "bin")
	bin, err := w.ensureBinary(ctx)
	if err != nil {
		return err
	}
	modelPath, err := w.ensureModel(ctx, filepath.Join(cacheDir, "models"))
	if err != nil {
		return err
	}
	w.bin, w.modelPath = bin, modelPath
	return nil
}

func (w *Whisper) Close() error { return nil }

// Transcribe writes the utterance to a temporary WAV file and runs whisper
// over it. whisper.cpp only accepts 16 kHz mono 16-bit input.
func (w *Whisper) Transcribe(ctx context.Context, utt audio.Utterance, language string) (string, error) {
	if w.bin == "" {
		return "", errors.New("whisper is not loaded")
	}
	if utt.Format != audio.Ingress {
		return "", fmt.Errorf("whisper needs %s audio, got %s", audio.Ingress, utt.Format)
	}
	if language == "" {
		language = w.opts.Language
	}

	wav, err := os.CreateTemp("", "voicegate-utt-*.wav")
	if err != nil {
		return "", err
	}
	defer os.Remove(wav.Name())
	if err := audio.WriteWAV(wav, utt.Format, utt.Audio); err != nil {
		wav.Close()
		return "", fmt.Errorf("write wav: %w", err)
	}
	if err := wav.Close(); err != nil {
		return "", err
	}

	outPrefix := strings.TrimSuffix(wav.Name(), ".wav")
	args := []string{"-m", w.modelPath, "-f", wav.Name(), "-l", language, "-otxt", "-of", outPrefix, "-nt"}
	started := time.Now()
	if err := w.run(ctx, w.bin, args, libEnv(filepath.Dir(w.bin)), filepath.Dir(w.bin)); err != nil {
		return "", fmt.Errorf("whisper execution failed: %w", err)
	}
	txtPath := outPrefix + ".txt"
	defer os.Remove(txtPath)
	data, err := os.ReadFile(txtPath)
	if err != nil {
		return "", fmt.Errorf("reading transcript: %w", err)
	}
	w.log.Debug("transcribed", "audio", utt.Duration(), "elapsed", time.Since(started))
	return strings.Join(strings.Fields(string(data)), " "), nil
}

func (w *Whisper) ensureBinary(ctx context.Context) (string, error) {
	if bin := fetch.FindExecutable(w.binDir, whisperBinaries...); bin != "" {
		return bin, nil
	}
	urls, file, err := whisperBinaryURLs(w.opts.BinaryURL)
	if err != nil {
		return "", err
	}
	w.log.Info("downloading whisper binary", "os", runtime.GOOS, "arch", runtime.GOARCH)
	archive := filepath.Join(w.binDir, file)
	if err := w.opts.Fetch.FirstOf(ctx, urls, archive); err != nil {
		return "", fmt.Errorf("download whisper binary: %w", err)
	}
	defer os.Remove(archive)
	if err := fetch.Extract(archive, w.binDir); err != nil {
		return "", fmt.Errorf("extract whisper binary: %w", err)
	}
	bin := fetch.FindExecutable(w.binDir, whisperBinaries...)
	if bin == "" {
		return "", errors.New("no whisper binary found in archive")
	}
	return bin, nil
}

func (w *Whisper) ensureModel(ctx context.Context, dir string) (string, error) {
	file := whisperModelFile(w.model)
	if file == "" {
		return "", fmt.Errorf("unsupported whisper model size: %s", w.model)
	}
	dst := filepath.Join(dir, file)
	if fetch.Exists(dst) {
		return dst, nil
	}
	w.log.Info("downloading whisper model", "model", w.model)
	urls := []string{"https://huggingface.co/ggerganov/whisper.cpp/resolve/main/" + file}
	if err := w.opts.Fetch.FirstOf(ctx, urls, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func whisperModelFile(size string) string {
	switch size {
	case "tiny", "tiny.en", "base", "base.en", "small", "small.en", "medium", "medium.en", "large-v3", "large-v3-turbo":
		return "ggml-" + size + ".bin"
	case "large", "large-v2":
		return "ggml-large-v2.bin"
	}
	return ""
}

func whisperBinaryURLs(override string) ([]string, string, error) {
	if override != "" {
		return []string{override}, filepath.Base(override), nil
	}
	const base = "https://aliceai.ca/app_assets/whisper/"
	var file string
	switch {
	case runtime.GOOS == "windows" && runtime.GOARCH == "amd64":
		file = "whisper-windows.zip"
	case runtime.GOOS == "darwin" && runtime.GOARCH == "arm64":
		file = "whisper-macos-arm64.zip"
	case runtime.GOOS == "darwin":
		file = "whisper-macos-x64.zip"
	case runtime.GOOS == "linux" && runtime.GOARCH == "amd64":
		file = "whisper-linux-x64.zip"
	default:
		return nil, "", fmt.Errorf("unsupported platform for whisper: %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	return []string{base + file}, file, nil
}

// libEnv makes shared libraries shipped next to the binary discoverable.
func libEnv(binDir string) []string {
	path := "PATH=" + binDir + string(os.PathListSeparator) + os.Getenv("PATH")
	libs := binDir + string(os.PathListSeparator) + filepath.Join(binDir, "libinternal")
	switch runtime.GOOS {
	case "darwin":
		return []string{"DYLD_LIBRARY_PATH=" + libs, path}
	case "linux":
		return []string{"LD_LIBRARY_PATH=" + libs, path}
	default:
		return []string{path}
	}
}

func execRun(ctx context.Context, bin string, args, env []string, dir string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return err
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
