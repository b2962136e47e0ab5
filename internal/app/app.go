// Package app wires all voxwire subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the main loop, and Shutdown tears everything
// down in order.
//
// For testing, inject a fake pipeline via [WithPipelineFactory]; without it,
// New builds the real microphone/WebSocket/speaker pipeline from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/health"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/resilience"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/widget"
	"github.com/voxwire/voxwire/pkg/capture"
	"github.com/voxwire/voxwire/pkg/player"
	"github.com/voxwire/voxwire/pkg/transport"
)

// shutdownTimeout bounds the HTTP server drain during shutdown.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes and exposes the admin HTTP surface.
type App struct {
	cfg        *config.Config
	metrics    *observe.Metrics
	controller *widget.Controller
	sink       *player.SpeakerSink
	endpoints  *resilience.FallbackGroup[string]
	httpSrv    *http.Server

	// pipeline overrides the real device pipeline when injected via
	// WithPipelineFactory.
	pipeline widget.PipelineFactory

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPipelineFactory injects a pipeline factory instead of building the
// real microphone/WebSocket/speaker pipeline.
func WithPipelineFactory(f widget.PipelineFactory) Option {
	return func(a *App) { a.pipeline = f }
}

// WithMetrics injects a Metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: the speaker sink
// (one per process), the widget controller with its session pipeline, and
// the admin HTTP server with health, metrics, and control endpoints.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Speaker sink ─────────────────────────────────────────────────
	// Only opened for the real pipeline; the audio context is a process
	// singleton, so it is created once here and reused across sessions.
	if a.pipeline == nil {
		sink, err := player.NewSpeakerSink(cfg.Audio.Playback.SampleRate, cfg.Audio.Playback.Format)
		if err != nil {
			return nil, fmt.Errorf("app: open speaker: %w", err)
		}
		a.sink = sink
		a.endpoints = resilience.NewFallbackGroup(
			cfg.Transport.Endpoint, cfg.Transport.Endpoint,
			resilience.FallbackConfig{},
		)
		for _, ep := range cfg.Transport.FallbackEndpoints {
			a.endpoints.AddFallback(ep, ep)
		}
		a.pipeline = a.devicePipeline
	}

	// ── 2. Widget controller ────────────────────────────────────────────
	controller, err := widget.NewController(widget.Config{
		Pipeline:          a.pipeline,
		ReconnectAttempts: cfg.Widget.ReconnectAttempts,
		ReconnectBackoff:  cfg.Widget.ReconnectBackoff,
		TranscriptHistory: cfg.Widget.TranscriptHistory,
		Metrics:           a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create controller: %w", err)
	}
	a.controller = controller
	a.closers = append(a.closers, controller.Close)

	// ── 3. Admin HTTP server ────────────────────────────────────────────
	a.httpSrv = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(a.routes()),
	}

	_ = ctx // reserved for future async subsystem init
	return a, nil
}

// devicePipeline builds the real pipeline: microphone source and encoder,
// WebSocket transport, and the resequencing player backed by the process
// speaker sink. The transport dial walks the endpoint fallback group, so a
// failing primary endpoint falls through to the configured alternatives.
func (a *App) devicePipeline(ctx context.Context, sessionID string) (session.Capturer, session.Transport, session.Playback, []func() error, error) {
	src := capture.NewMicSource()
	enc := capture.New(src,
		capture.WithSampleRate(a.cfg.Audio.Capture.SampleRate),
		capture.WithBlockSize(a.cfg.Audio.Capture.BlockSize),
	)

	conn, err := resilience.ExecuteWithResult(a.endpoints, func(endpoint string) (*transport.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Transport.DialTimeout)
		defer cancel()
		return transport.Dial(dialCtx, endpoint, sessionID)
	})
	if err != nil {
		_ = src.Close()
		return nil, nil, nil, nil, err
	}

	conn.OnDropped(func(reason string) {
		a.metrics.RecordDroppedMessage(context.Background(), reason)
	})

	if err := a.sink.Reset(); err != nil {
		_ = src.Close()
		_ = conn.Close()
		return nil, nil, nil, nil, err
	}

	pl := player.New(a.sink, player.WithHooks(player.Hooks{
		Played: func(d time.Duration) {
			a.metrics.FragmentsPlayed.Add(context.Background(), 1)
			a.metrics.FragmentPlayDuration.Record(context.Background(), d.Seconds())
		},
		Skipped: func() {
			a.metrics.FragmentsSkipped.Add(context.Background(), 1)
		},
		Buffered: func(delta int) {
			a.metrics.BufferedFragments.Add(context.Background(), int64(delta))
		},
	}))

	closers := []func() error{src.Close}
	return enc, conn, pl, closers, nil
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

// routes builds the admin mux: liveness and readiness probes, the
// Prometheus scrape endpoint, push-to-talk control, and session inspection.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	h := health.New(
		health.NewChecker("audio_output", func(context.Context) error {
			if a.sink == nil && a.pipeline == nil {
				return errors.New("no playback sink configured")
			}
			return nil
		}),
		health.NewChecker("transport_endpoint", func(context.Context) error {
			if a.cfg.Transport.Endpoint == "" {
				return errors.New("transport endpoint not configured")
			}
			return nil
		}),
	)
	h.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/talk/start", a.handleTalkStart)
	mux.HandleFunc("POST /api/talk/stop", a.handleTalkStop)
	mux.HandleFunc("GET /api/transcript", a.handleTranscript)
	mux.HandleFunc("GET /api/stats", a.handleStats)

	return mux
}

func (a *App) handleTalkStart(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.PressTalk(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, widget.ErrNotOpen) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "talking"})
}

func (a *App) handleTalkStop(w http.ResponseWriter, _ *http.Request) {
	a.controller.ReleaseTalk()
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

func (a *App) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	entries := a.controller.Transcript()
	type line struct {
		Role string    `json:"role"`
		Text string    `json:"text"`
		At   time.Time `json:"at"`
	}
	out := make([]line, len(entries))
	for i, e := range entries {
		out[i] = line{Role: string(e.Role), Text: e.Text, At: e.At}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	s := a.controller.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":         s.SessionID,
		"started_at":         s.StartedAt,
		"frames_sent":        s.FramesSent,
		"fragments_received": s.FragmentsReceived,
		"utterances":         s.Utterances,
		"capturing":          s.Capturing,
	})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the voice session and serves the admin HTTP endpoints, blocking
// until ctx is cancelled or a subsystem fails fatally.
func (a *App) Run(ctx context.Context) error {
	if err := a.controller.Open(ctx); err != nil {
		return fmt.Errorf("app: open session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("admin server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.httpSrv.Shutdown(drainCtx)
	})

	slog.Info("app running", "session_id", a.controller.Stats().SessionID)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Controller exposes the widget controller for interactive frontends.
func (a *App) Controller() *widget.Controller {
	return a.controller
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
