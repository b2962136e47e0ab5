// Package transport manages one bidirectional session-scoped WebSocket
// connection to the remote speech pipeline and routes messages both ways.
//
// Messages are JSON-tagged per the agent protocol. Outbound microphone audio
// travels as base64 PCM16 "audio.chunk" messages; inbound events (synthesised
// audio fragments, transcripts, lifecycle signals) are tag-dispatched to a
// single registered handler. The handler is always invoked from the
// transport's one receive goroutine, never concurrently.
//
// The transport never reconnects on its own. A connection-level failure is
// surfaced as a [KindError] event followed by [Conn.Close]; whether to dial
// again is the caller's decision.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

// Wire message tags exchanged with the remote agent.
const (
	typeAudioChunk      = "audio.chunk"
	typeTranscriptUser  = "transcript.user"
	typeTextChunk       = "text.chunk"
	typeAudioComplete   = "audio.complete"
	typeConnEstablished = "connection.established"
	typeError           = "error"
	sessionIDQueryParam = "session_id"
)

// Kind classifies an inbound [Message].
type Kind int

const (
	// KindEstablished signals the remote accepted the session.
	KindEstablished Kind = iota

	// KindAudioFragment carries one synthesised audio fragment with its
	// sequence index.
	KindAudioFragment

	// KindTranscript carries the transcription of the user's speech.
	KindTranscript

	// KindTextChunk carries a chunk of the agent's textual response.
	KindTextChunk

	// KindAudioComplete signals the remote finished the current utterance.
	KindAudioComplete

	// KindError signals a connection-level failure. The transport closes
	// itself immediately after delivering this event.
	KindError
)

// String returns the human-readable name of the message kind.
func (k Kind) String() string {
	switch k {
	case KindEstablished:
		return "established"
	case KindAudioFragment:
		return "audio_fragment"
	case KindTranscript:
		return "transcript"
	case KindTextChunk:
		return "text_chunk"
	case KindAudioComplete:
		return "audio_complete"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one tag-dispatched inbound event.
type Message struct {
	// Kind selects which of the remaining fields are meaningful.
	Kind Kind

	// Audio is the decoded fragment payload (KindAudioFragment).
	Audio []byte

	// Index is the fragment's sequence index (KindAudioFragment). The remote
	// issues indices monotonically from 0 per playback session with no gaps
	// or repeats; the player's ordering guarantee depends on that contract.
	Index int

	// Text carries transcript or response text (KindTranscript, KindTextChunk).
	Text string

	// Err describes the failure (KindError).
	Err error
}

// outbound audio message: {"type":"audio.chunk","audio":"<base64 PCM16>"}.
type audioChunkMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// inboundMessage is the superset decode target for all inbound tags.
type inboundMessage struct {
	Type       string `json:"type"`
	Audio      string `json:"audio,omitempty"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	Text       string `json:"text,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Conn is one duplex connection to the remote agent. Create with [Dial];
// a Conn is single-use — after Close it cannot be reused.
//
// All exported methods are safe for concurrent use.
type Conn struct {
	conn *websocket.Conn

	mu        sync.Mutex
	handler   func(Message)
	onDropped func(reason string)
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the receive loop exits
}

// Dial opens a WebSocket connection to endpoint with sessionID attached as a
// routing query parameter and starts the receive loop. Dial failures are
// returned directly; session acceptance by the remote is signalled
// asynchronously via a [KindEstablished] event.
//
// Register a handler with [Conn.OnMessage] before the remote starts sending,
// ideally immediately after Dial returns.
func Dial(ctx context.Context, endpoint, sessionID string) (*Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set(sessionIDQueryParam, sessionID)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:   ws,
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// OnMessage registers handler for inbound events. Only one handler may be
// registered at a time; subsequent calls replace the previous registration.
// The handler is invoked from the transport's single receive goroutine and
// never fires after Close takes effect.
func (c *Conn) OnMessage(handler func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// OnDropped registers fn to be notified whenever the transport drops a
// message, with a short reason tag ("closed", "write", "malformed",
// "missing_index", "bad_payload", "unknown_type"). Intended for metrics.
func (c *Conn) OnDropped(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDropped = fn
}

// dropped reports a dropped message to the registered observer, if any.
func (c *Conn) dropped(reason string) {
	c.mu.Lock()
	fn := c.onDropped
	c.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// Send transmits frame as a base64-tagged audio chunk. If the connection is
// closed, or closes concurrently with the write, the frame is silently
// dropped — live microphone audio expires and has no retry value.
func (c *Conn) Send(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.dropped("closed")
		return
	}
	c.mu.Unlock()

	msg := audioChunkMessage{
		Type:  typeAudioChunk,
		Audio: base64.StdEncoding.EncodeToString(frame),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		// Write races with a concurrent close are expected; drop the frame.
		slog.Debug("transport: dropped outbound frame", "err", err)
		c.dropped("write")
	}
}

// Close terminates the connection and releases the socket. Idempotent.
// Once Close takes effect no further events are delivered to the handler,
// preventing stale writes into a torn-down session.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// Done returns a channel closed when the receive loop has exited, either
// through Close or a connection failure.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// receiveLoop reads inbound frames until the connection fails or Close is
// called. A read failure is surfaced as a KindError event before the loop
// closes the transport.
func (c *Conn) receiveLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return // Close was called
			}
			c.dispatch(Message{Kind: KindError, Err: fmt.Errorf("transport: read: %w", err)})
			_ = c.Close()
			return
		}

		var in inboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			slog.Warn("transport: malformed inbound message, dropping", "err", err)
			c.dropped("malformed")
			continue
		}
		c.route(&in)
	}
}

// route translates one decoded wire message into a dispatched [Message].
// Malformed fields and unknown tags are logged and dropped so a single bad
// message never terminates the session.
func (c *Conn) route(in *inboundMessage) {
	switch in.Type {
	case typeConnEstablished:
		c.dispatch(Message{Kind: KindEstablished})

	case typeAudioChunk:
		if in.ChunkIndex == nil {
			slog.Warn("transport: audio chunk without chunk_index, dropping")
			c.dropped("missing_index")
			return
		}
		payload, err := base64.StdEncoding.DecodeString(in.Audio)
		if err != nil || len(payload) == 0 {
			slog.Warn("transport: undecodable audio chunk, dropping", "index", in.ChunkIndex, "err", err)
			c.dropped("bad_payload")
			return
		}
		c.dispatch(Message{Kind: KindAudioFragment, Audio: payload, Index: *in.ChunkIndex})

	case typeTranscriptUser:
		c.dispatch(Message{Kind: KindTranscript, Text: in.Text})

	case typeTextChunk:
		c.dispatch(Message{Kind: KindTextChunk, Text: in.Text})

	case typeAudioComplete:
		c.dispatch(Message{Kind: KindAudioComplete})

	case typeError:
		msg := in.Message
		if msg == "" {
			msg = "unknown error"
		}
		c.dispatch(Message{Kind: KindError, Err: fmt.Errorf("transport: remote: %s", msg)})
		_ = c.Close()

	default:
		slog.Debug("transport: unknown message type, dropping", "type", in.Type)
		c.dropped("unknown_type")
	}
}

// dispatch delivers msg to the registered handler unless the transport has
// been closed. Runs only on the receive goroutine.
func (c *Conn) dispatch(msg Message) {
	c.mu.Lock()
	handler := c.handler
	closed := c.closed
	c.mu.Unlock()

	if closed || handler == nil {
		return
	}
	handler(msg)
}
