// Package session binds the three pipeline stages — microphone capture,
// duplex transport, and resequencing playback — into a single voice session
// and manages its lifecycle.
//
// A [Session] owns one transport connection and routes its inbound events:
// audio fragments go to the player, transcript and text events go to the
// registered callbacks. Capture is started and stopped explicitly
// (push-to-talk); encoded frames flow straight to the transport while
// capture runs.
//
// The [Manager] enforces that at most one session is live at a time.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/pkg/transport"
)

// Capturer produces encoded PCM16 frames from the microphone. Implemented by
// [github.com/voxwire/voxwire/pkg/capture.Encoder].
type Capturer interface {
	OnAudioData(fn func(frame []byte))
	Start(ctx context.Context) error
	Stop()
}

// Transport is the duplex connection to the remote agent. Implemented by
// [transport.Conn].
type Transport interface {
	OnMessage(handler func(transport.Message))
	Send(frame []byte)
	Close() error
	Done() <-chan struct{}
}

// Playback buffers and plays indexed audio fragments in sequence order.
// Implemented by [github.com/voxwire/voxwire/pkg/player.Player].
type Playback interface {
	AddFragment(payload []byte, index int)
	Reset()
	Buffered() int
	Cursor() int
}

// Role identifies the origin of a transcript line.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Stats is a point-in-time snapshot of a session's pipeline activity.
type Stats struct {
	SessionID         string
	StartedAt         time.Time
	FramesSent        int64
	FragmentsReceived int64
	Utterances        int64
	Capturing         bool
}

// Config holds the dependencies for a [Session].
type Config struct {
	SessionID string
	Capture   Capturer
	Transport Transport
	Player    Playback

	// Metrics receives pipeline instrumentation. Defaults to
	// [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// OnTranscript is invoked for every transcript.user and text.chunk
	// event. Optional.
	OnTranscript func(role Role, text string)

	// OnUtteranceEnd is invoked when the remote signals the current
	// utterance's audio is complete. Optional.
	OnUtteranceEnd func()

	// OnError is invoked when the transport reports a connection-level
	// failure. The transport is already closed when this fires. Optional.
	OnError func(err error)
}

// Session is one live voice session. All exported methods are safe for
// concurrent use.
type Session struct {
	id      string
	cap     Capturer
	tr      Transport
	player  Playback
	metrics *observe.Metrics

	onTranscript   func(role Role, text string)
	onUtteranceEnd func()
	onError        func(err error)

	mu        sync.Mutex
	capturing bool
	closed    bool
	startedAt time.Time

	framesSent        int64
	fragmentsReceived int64
	utterances        int64
}

// New creates a [Session] and wires the capture and transport callbacks.
// The session is passive until [Session.StartCapture] is called; inbound
// events are routed as soon as the transport delivers them.
func New(cfg Config) *Session {
	s := &Session{
		id:             cfg.SessionID,
		cap:            cfg.Capture,
		tr:             cfg.Transport,
		player:         cfg.Player,
		metrics:        cfg.Metrics,
		onTranscript:   cfg.OnTranscript,
		onUtteranceEnd: cfg.OnUtteranceEnd,
		onError:        cfg.OnError,
		startedAt:      time.Now().UTC(),
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.cap.OnAudioData(s.sendFrame)
	s.tr.OnMessage(s.route)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// StartCapture opens the microphone and begins streaming encoded frames to
// the transport. Frames produced while capture runs are sent immediately;
// there is no local queueing.
func (s *Session) StartCapture(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.capturing {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.cap.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.capturing = true
	s.utterances++
	s.mu.Unlock()

	slog.Debug("capture started", "session_id", s.id)
	return nil
}

// StopCapture stops the microphone. Safe to call when capture is not
// running.
func (s *Session) StopCapture() {
	s.mu.Lock()
	was := s.capturing
	s.capturing = false
	s.mu.Unlock()

	s.cap.Stop()
	if was {
		slog.Debug("capture stopped", "session_id", s.id)
	}
}

// Interrupt discards all buffered remote audio and rewinds the play cursor,
// so the next agent utterance starts from fragment 0. Used for barge-in:
// call before re-opening the microphone while the agent is still speaking.
func (s *Session) Interrupt() {
	s.player.Reset()
	slog.Debug("playback interrupted", "session_id", s.id)
}

// Close tears the session down: capture stops, the transport closes, and
// buffered playback is dropped. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.capturing = false
	s.mu.Unlock()

	s.cap.Stop()
	err := s.tr.Close()
	s.player.Reset()

	slog.Info("session closed", "session_id", s.id)
	return err
}

// Done returns a channel closed when the underlying transport terminates,
// whether by [Session.Close] or a remote failure.
func (s *Session) Done() <-chan struct{} {
	return s.tr.Done()
}

// Stats returns a snapshot of the session's activity counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SessionID:         s.id,
		StartedAt:         s.startedAt,
		FramesSent:        s.framesSent,
		FragmentsReceived: s.fragmentsReceived,
		Utterances:        s.utterances,
		Capturing:         s.capturing,
	}
}

// sendFrame forwards one encoded frame to the transport.
func (s *Session) sendFrame(frame []byte) {
	s.tr.Send(frame)

	s.mu.Lock()
	s.framesSent++
	s.mu.Unlock()
	s.metrics.FramesSent.Add(context.Background(), 1)
}

// route dispatches one inbound transport event.
func (s *Session) route(msg transport.Message) {
	switch msg.Kind {
	case transport.KindEstablished:
		slog.Info("session established", "session_id", s.id)

	case transport.KindAudioFragment:
		s.mu.Lock()
		s.fragmentsReceived++
		s.mu.Unlock()
		s.metrics.FragmentsReceived.Add(context.Background(), 1)
		s.player.AddFragment(msg.Audio, msg.Index)

	case transport.KindTranscript:
		if s.onTranscript != nil {
			s.onTranscript(RoleUser, msg.Text)
		}

	case transport.KindTextChunk:
		if s.onTranscript != nil {
			s.onTranscript(RoleAgent, msg.Text)
		}

	case transport.KindAudioComplete:
		slog.Debug("utterance complete",
			"session_id", s.id,
			"cursor", s.player.Cursor(),
			"buffered", s.player.Buffered(),
		)
		if s.onUtteranceEnd != nil {
			s.onUtteranceEnd()
		}

	case transport.KindError:
		slog.Warn("transport error", "session_id", s.id, "err", msg.Err)
		if s.onError != nil {
			s.onError(msg.Err)
		}
	}
}
