package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"voicegate/internal/config"
	"voicegate/internal/engine"
	"voicegate/internal/gateway"
	"voicegate/internal/logging"
	"voicegate/internal/models"
	"voicegate/internal/protocol"
	"voicegate/internal/server"
	"voicegate/internal/services/fetch"
	"voicegate/internal/services/stt"
	"voicegate/internal/services/tts"
)

const defaultConfigPath = "config.json"

func main() {
	var cfgPath string
	var printSchema bool
	flag.StringVar(&cfgPath, "config", defaultConfigPath, "Path to config file")
	flag.BoolVar(&printSchema, "print-schema", false, "Print the config JSON schema and exit")
	flag.Parse()

	if printSchema {
		b, err := config.Schema()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(append(b, '\n'))
		return
	}

	c, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(os.Stderr, logging.Options{Level: c.Log.Level, Format: c.Log.Format, Bridge: c.Log.OTel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, c, log); err != nil {
		log.Error("voicegate stopped", "error", err)
		os.Exit(1)
	}
}

// loadConfig tolerates a missing file only at the default path.
func loadConfig(path string) (config.Config, error) {
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func run(ctx context.Context, c config.Config, log *slog.Logger) error {
	fc := fetch.New(log)

	var sttEng models.STTEngine
	sttModel := c.STT.Model
	if c.STTEnabled() {
		switch c.STT.Backend {
		case "google":
			sttModel = c.STT.Google.Model
			sttEng = stt.NewGoogle(stt.GoogleOptions{Language: c.STT.Language, CredentialsFile: c.STT.Google.CredentialsFile, Logger: log})
		default:
			sttEng = stt.NewWhisper(stt.WhisperOptions{Language: c.STT.Language, BinaryURL: c.STT.BinaryURL, Fetch: fc, Logger: log})
		}
	}
	var ttsEng models.TTSEngine
	if c.TTSEnabled() {
		switch c.TTS.Backend {
		case "polly":
			ttsEng = tts.NewPolly(tts.PollyOptions{
				Region:     c.TTS.Polly.Region,
				Engine:     c.TTS.Polly.Engine,
				SampleRate: c.TTS.Polly.SampleRate,
				ChunkBytes: c.TTS.ChunkBytes,
				Logger:     log,
			})
		default:
			ttsEng = tts.NewPiper(tts.PiperOptions{
				BinaryURL:      c.TTS.BinaryURL,
				ChunkBytes:     c.TTS.ChunkBytes,
				OnnxRuntimeLib: c.TTS.OnnxRuntimeLib,
				Fetch:          fc,
				Logger:         log,
			})
		}
	}

	sttPolicy, err := gateway.ParsePolicy(c.STT.Concurrency.Policy, c.STT.Concurrency.Limit)
	if err != nil {
		return fmt.Errorf("stt.concurrency: %w", err)
	}
	ttsPolicy, err := gateway.ParsePolicy(c.TTS.Concurrency.Policy, c.TTS.Concurrency.Limit)
	if err != nil {
		return fmt.Errorf("tts.concurrency: %w", err)
	}
	gw := gateway.New(gateway.Options{STT: sttEng, TTS: ttsEng, STTPolicy: sttPolicy, TTSPolicy: ttsPolicy, Logger: log})

	mgr := models.New(models.Options{
		STT:         sttEng,
		STTModel:    sttModel,
		STTCacheDir: c.STT.CacheDir,
		TTS:         ttsEng,
		TTSModel:    c.TTS.Voice,
		TTSCacheDir: c.TTS.CacheDir,
		Logger:      log,
	})

	sessionCfg := func(caps server.Capabilities) server.SessionConfig {
		return server.SessionConfig{
			Gateway:           gw,
			Caps:              caps,
			MaxUtteranceBytes: c.Session.MaxUtteranceBytes,
			Limits:            protocol.Limits{MaxHeaderBytes: c.Session.MaxHeaderBytes, MaxPayloadBytes: c.Session.MaxPayloadBytes},
			STTTimeout:        c.STT.Timeout.Duration,
			TTSTimeout:        c.TTS.Timeout.Duration,
			WriteTimeout:      c.Session.WriteTimeout.Duration,
			Logger:            log,
		}
	}
	shared := sessionCfg(server.Capabilities{STT: c.STTEnabled(), TTS: c.TTSEnabled()})

	g, gctx := errgroup.WithContext(ctx)

	// The HTTP side comes up first so /healthz can report loading.
	var ready atomic.Bool
	var httpSrv *http.Server
	var httpHandler *server.Handler
	if c.Server.HTTPPort != 0 {
		ln, err := net.Listen("tcp", hostPort(c.Server.Host, c.Server.HTTPPort))
		if err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
		httpHandler = server.NewHandler(shared)
		httpSrv = &http.Server{
			Handler: server.NewHTTPHandler(server.HTTPOptions{
				Ready:      ready.Load,
				Handler:    httpHandler,
				WebSocket:  c.WebSocket.Enabled,
				PathPrefix: c.WebSocket.PathPrefix,
				Context:    gctx,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		log.Info("http listening", "addr", ln.Addr().String())
	}
	abort := func(err error) error {
		if httpSrv != nil {
			httpSrv.Close()
		}
		g.Wait()
		mgr.Shutdown()
		return err
	}

	if err := mgr.Initialize(gctx); err != nil {
		var fatal *models.FatalLoadError
		if errors.As(err, &fatal) {
			log.Error("model load failed", "engine", fatal.Engine, "model", fatal.Model, "error", fatal.Err)
		}
		return abort(err)
	}
	info := protocol.Info{ASR: describe(mgr.Transcriber()), TTS: describe(mgr.Synthesizer())}
	if httpHandler != nil {
		httpHandler.SetInfo(info)
	}

	type endpoint struct {
		name string
		port int
		caps server.Capabilities
		ln   net.Listener
	}
	endpoints := []*endpoint{{name: "shared", port: c.Server.Port, caps: shared.Caps}}
	if c.Server.STTPort != 0 {
		endpoints = append(endpoints, &endpoint{name: "stt", port: c.Server.STTPort, caps: server.Capabilities{STT: true}})
	}
	if c.Server.TTSPort != 0 {
		endpoints = append(endpoints, &endpoint{name: "tts", port: c.Server.TTSPort, caps: server.Capabilities{TTS: true}})
	}
	for i, ep := range endpoints {
		ln, err := net.Listen("tcp", hostPort(c.Server.Host, ep.port))
		if err != nil {
			for _, bound := range endpoints[:i] {
				bound.ln.Close()
			}
			return abort(fmt.Errorf("listen %s: %w", ep.name, err))
		}
		ep.ln = ln
	}
	var addrs []string
	for _, ep := range endpoints {
		addrs = append(addrs, ep.name+"="+ep.ln.Addr().String())
		cfg := sessionCfg(ep.caps)
		cfg.Info = info
		acc := server.NewAcceptor(ep.name, server.NewHandler(cfg), log)
		g.Go(func() error { return acc.Serve(gctx, ep.ln) })
	}
	ready.Store(true)

	log.Info("Startup summary",
		"endpoints", addrs,
		"mode", c.Server.Mode,
		"data_dir", c.Server.DataDir,
		"stt", status(c.STTEnabled(), c.STT.Backend, sttModel, sttPolicy),
		"tts", status(c.TTSEnabled(), c.TTS.Backend, c.TTS.Voice, ttsPolicy),
		"websocket", c.WebSocket.Enabled && httpSrv != nil,
	)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	if serr := mgr.Shutdown(); serr != nil {
		log.Warn("engine shutdown", "error", serr)
	}
	return err
}

func describe(e any) []protocol.Program {
	d, ok := e.(engine.Describer)
	if !ok {
		return nil
	}
	name, backend := d.Describe()
	return []protocol.Program{{Name: name, Backend: backend, Installed: true}}
}

func status(enabled bool, backend, model string, p gateway.Policy) string {
	if !enabled {
		return "disabled"
	}
	return fmt.Sprintf("%s (model=%s, concurrency=%s)", backend, model, p)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
