package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/session"
)

// Default reconnection parameters.
const (
	defaultReconnectAttempts = 5
	defaultReconnectBackoff  = 2 * time.Second
	maxReconnectBackoff      = 30 * time.Second
)

// ErrNotOpen is returned for operations on a controller that is not open.
var ErrNotOpen = errors.New("widget: controller not open")

// PipelineFactory builds fresh pipeline stages for a session. The returned
// closers are run in reverse order when the session is torn down.
type PipelineFactory func(ctx context.Context, sessionID string) (session.Capturer, session.Transport, session.Playback, []func() error, error)

// Config configures a [Controller].
type Config struct {
	// Pipeline builds the capture, transport, and playback stages for
	// each new session. Required.
	Pipeline PipelineFactory

	// ReconnectAttempts is the number of reconnection attempts after a
	// transport failure before giving up. Defaults to 5 if zero; set to a
	// negative value to disable reconnection.
	ReconnectAttempts int

	// ReconnectBackoff is the initial backoff between attempts. Doubles
	// each attempt up to an internal cap. Defaults to 2s if zero.
	ReconnectBackoff time.Duration

	// TranscriptHistory is the number of transcript entries to retain.
	TranscriptHistory int

	// Metrics receives pipeline instrumentation. Defaults to
	// [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics
}

// Controller drives the widget-facing session lifecycle: open and close,
// push-to-talk, barge-in, transcript retention, and reconnection after
// transport failures. At most one session is live at a time.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	mgr        *session.Manager
	transcript *Transcript
	metrics    *observe.Metrics
	attempts   int
	backoff    time.Duration

	mu   sync.Mutex
	open bool

	lost     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewController creates a Controller from cfg.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("widget: pipeline factory is required")
	}

	attempts := cfg.ReconnectAttempts
	if attempts == 0 {
		attempts = defaultReconnectAttempts
	}
	backoff := cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = defaultReconnectBackoff
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	c := &Controller{
		transcript: NewTranscript(cfg.TranscriptHistory),
		metrics:    metrics,
		attempts:   attempts,
		backoff:    backoff,
		lost:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	c.mgr = session.NewManager(c.sessionFactory(cfg.Pipeline))
	return c, nil
}

// sessionFactory adapts a PipelineFactory into a [session.Factory] with the
// controller's transcript and failure callbacks wired in.
func (c *Controller) sessionFactory(pipeline PipelineFactory) session.Factory {
	return func(ctx context.Context, id string) (*session.Session, []func() error, error) {
		capt, tr, pl, closers, err := pipeline(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		s := session.New(session.Config{
			SessionID:      id,
			Capture:        capt,
			Transport:      tr,
			Player:         pl,
			Metrics:        c.metrics,
			OnTranscript:   c.transcript.Append,
			OnUtteranceEnd: c.transcript.EndTurn,
			OnError:        func(error) { c.notifyLost() },
		})
		return s, closers, nil
	}
}

// Open establishes a session and starts the reconnection monitor. Returns
// an error if the controller is already open or the initial connection
// fails. The given context bounds the initial dial and every subsequent
// reconnection attempt.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return fmt.Errorf("widget: already open (session %s)", c.mgr.Info().SessionID)
	}

	if _, err := c.mgr.Start(ctx); err != nil {
		return err
	}
	c.open = true
	c.metrics.SessionsStarted.Add(ctx, 1)
	c.metrics.ActiveSessions.Add(ctx, 1)

	go c.monitorLoop(ctx)
	return nil
}

// Close tears the live session down and stops the reconnection monitor.
// Idempotent.
func (c *Controller) Close() error {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false

	err := c.mgr.Stop()
	if errors.Is(err, session.ErrNoSession) {
		err = nil
	}
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	return err
}

// PressTalk interrupts any in-flight agent audio (barge-in) and opens the
// microphone. Encoded frames stream to the agent until [Controller.ReleaseTalk].
func (c *Controller) PressTalk(ctx context.Context) error {
	s := c.activeSession()
	if s == nil {
		return ErrNotOpen
	}
	s.Interrupt()
	return s.StartCapture(ctx)
}

// ReleaseTalk closes the microphone. Safe to call when not talking.
func (c *Controller) ReleaseTalk() {
	if s := c.activeSession(); s != nil {
		s.StopCapture()
	}
}

// Transcript returns a snapshot of the retained conversation lines.
func (c *Controller) Transcript() []Entry {
	return c.transcript.Entries()
}

// Stats returns the live session's activity counters. Zero value when no
// session is live.
func (c *Controller) Stats() session.Stats {
	if s := c.activeSession(); s != nil {
		return s.Stats()
	}
	return session.Stats{}
}

// IsOpen reports whether the controller has a live session.
func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Controller) activeSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	return c.mgr.Active()
}

// notifyLost signals the monitor that the transport failed. Only the first
// signal per reconnection cycle has effect.
func (c *Controller) notifyLost() {
	select {
	case c.lost <- struct{}{}:
	default:
	}
}

// monitorLoop waits for transport failures and drives reconnection.
func (c *Controller) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.lost:
			if !c.reconnect(ctx) {
				return
			}
		}
	}
}

// reconnect tears the failed session down and dials a new one with
// exponential backoff. Reports whether monitoring should continue.
func (c *Controller) reconnect(ctx context.Context) bool {
	if c.attempts < 0 {
		slog.Info("widget: reconnection disabled, closing")
		_ = c.Close()
		return false
	}

	backoff := c.backoff
	for attempt := 1; attempt <= c.attempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		case <-time.After(backoff):
		}

		slog.Info("widget: attempting reconnection",
			"attempt", attempt,
			"max_attempts", c.attempts,
			"backoff", backoff,
		)
		c.metrics.Reconnects.Add(ctx, 1)

		c.mu.Lock()
		if !c.open {
			c.mu.Unlock()
			return false
		}
		if err := c.mgr.Stop(); err != nil && !errors.Is(err, session.ErrNoSession) {
			slog.Warn("widget: teardown before reconnect", "err", err)
		}
		_, err := c.mgr.Start(ctx)
		c.mu.Unlock()

		if err == nil {
			slog.Info("widget: reconnected", "attempt", attempt)
			c.metrics.SessionsStarted.Add(ctx, 1)
			return true
		}
		slog.Warn("widget: reconnection attempt failed", "attempt", attempt, "err", err)

		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}

	slog.Error("widget: reconnection failed after max attempts", "max_attempts", c.attempts)
	_ = c.Close()
	return false
}
