package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"voicegate/internal/services/fetch"
)

const ortVersion = "v1.22.0"

// onnxVerifier opens piper voices with onnxruntime at load time, so a
// truncated or incompatible model fails startup instead of the first request.
type onnxVerifier struct {
	owned bool // this verifier initialized the environment
}

func newOnnxVerifier(ctx context.Context, lib, dir string, fc *fetch.Client) (*onnxVerifier, error) {
	if ort.IsInitialized() {
		return &onnxVerifier{}, nil
	}
	if lib == "auto" {
		var err error
		if lib, err = ensureRuntimeLib(ctx, dir, fc); err != nil {
			return nil, err
		}
	}
	ort.SetSharedLibraryPath(lib)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, err
	}
	return &onnxVerifier{owned: true}, nil
}

// piper voices take phoneme ids, their lengths and the noise/length scales.
var piperInputs = []string{"input", "input_lengths", "scales"}

func (v *onnxVerifier) verifyVoice(modelPath string) error {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		have[in.Name] = true
	}
	for _, name := range piperInputs {
		if !have[name] {
			return fmt.Errorf("model has no %q input", name)
		}
	}
	if len(outputs) == 0 {
		return fmt.Errorf("model has no outputs")
	}
	return nil
}

func (v *onnxVerifier) close() error {
	if !v.owned {
		return nil
	}
	v.owned = false
	return ort.DestroyEnvironment()
}

// ensureRuntimeLib downloads the onnxruntime shared library for this
// platform into dir unless it is already there.
func ensureRuntimeLib(ctx context.Context, dir string, fc *fetch.Client) (string, error) {
	versionDir := filepath.Join(dir, ortVersion)
	ver := strings.TrimPrefix(ortVersion, "v")
	base := "https://github.com/microsoft/onnxruntime/releases/download/" + ortVersion + "/"

	var lib string
	var urls []string
	switch runtime.GOOS {
	case "windows":
		lib = "onnxruntime.dll"
		urls = []string{base + "onnxruntime-win-x64-" + ver + ".zip"}
	case "darwin":
		lib = "libonnxruntime.dylib"
		urls = []string{
			base + "onnxruntime-osx-universal2-" + ver + ".tgz",
			base + "onnxruntime-osx-arm64-" + ver + ".tgz",
		}
	case "linux":
		lib = "libonnxruntime.so"
		arch := "x64"
		if runtime.GOARCH == "arm64" {
			arch = "aarch64"
		}
		urls = []string{base + "onnxruntime-linux-" + arch + "-" + ver + ".tgz"}
	default:
		return "", fmt.Errorf("unsupported platform for onnxruntime: %s", runtime.GOOS)
	}

	if found := fetch.FindExecutable(versionDir, lib); found != "" {
		return found, nil
	}
	archive := filepath.Join(versionDir, filepath.Base(urls[0]))
	if err := fc.FirstOf(ctx, urls, archive); err != nil {
		return "", err
	}
	defer os.Remove(archive)
	if err := fetch.Extract(archive, versionDir); err != nil {
		return "", err
	}
	found := fetch.FindExecutable(versionDir, lib)
	if found == "" {
		return "", fmt.Errorf("%s not found in onnxruntime archive", lib)
	}
	return found, nil
}
