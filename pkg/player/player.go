// Package player converts an unordered stream of indexed audio fragments
// into strictly sequential, gapless playback.
//
// The remote speech pipeline assigns each synthesised fragment a sequence
// index, monotonically from 0 per playback session, never skipping or
// repeating. Delivery order is not guaranteed: fragments may arrive early,
// late, or interleaved. The [Player] buffers fragments by index and plays
// them back in exact index order, holding early arrivals until the play
// cursor reaches them. The monotonic-index contract is a precondition of the
// remote, not re-validated here; a permanently missing index stalls playback
// until [Player.Reset].
package player

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink plays one decoded fragment to completion. Play blocks until the
// fragment has finished (or failed); the player calls it from a single drain
// goroutine per session, strictly in index order. After a [Player.Reset] the
// context passed to an in-flight Play is cancelled — the sink should stop
// waiting, though the device may finish sound it already started.
type Sink interface {
	Play(ctx context.Context, payload []byte) error
}

// Hooks receive playback lifecycle notifications, typically to feed metrics.
// All funcs are optional and must be fast and non-blocking; Played and
// Skipped fire on the drain goroutine.
type Hooks struct {
	// Played fires after a fragment finishes playing, with its duration.
	Played func(d time.Duration)

	// Skipped fires when a fragment fails to play and is skipped.
	Skipped func()

	// Buffered fires when the buffered fragment count changes by delta.
	Buffered func(delta int)
}

// Option configures a [Player] during construction.
type Option func(*Player)

// WithHooks registers lifecycle hooks on the player.
func WithHooks(h Hooks) Option {
	return func(p *Player) { p.hooks = h }
}

// Player buffers and resequences audio fragments for one playback session.
//
// All exported methods are safe for concurrent use, and AddFragment never
// blocks: draining happens on an internal goroutine so callers (transport
// message handlers) are never stalled behind audio playback.
type Player struct {
	sink  Sink
	hooks Hooks

	mu      sync.Mutex
	buffer  map[int][]byte
	cursor  int
	playing bool
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates an idle Player that plays fragments through sink.
func New(sink Sink, opts ...Option) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		sink:   sink,
		buffer: make(map[int][]byte),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AddFragment stores payload at index and triggers a drain if none is in
// flight. A repeated index overwrites the previous payload (last-write-wins);
// the fragment is still played at most once. Fragments whose index precedes
// the cursor are unreachable and stay buffered until Reset — under the
// remote's monotonic-index contract they do not occur.
func (p *Player) AddFragment(payload []byte, index int) {
	p.mu.Lock()
	_, replaced := p.buffer[index]
	p.buffer[index] = payload
	if !replaced && p.hooks.Buffered != nil {
		p.hooks.Buffered(1)
	}

	// A drain already in flight will pick this fragment up; starting a
	// second one would break strict ordering.
	if p.playing {
		p.mu.Unlock()
		return
	}
	if _, ok := p.buffer[p.cursor]; !ok {
		p.mu.Unlock()
		return
	}
	p.playing = true
	gen := p.gen
	ctx := p.ctx
	p.mu.Unlock()

	go p.drain(ctx, gen)
}

// drain plays consecutive fragments starting at the cursor until the next
// required index is missing. Exactly one drain runs at a time per session;
// gen detects a Reset so a stale drain abandons its bookkeeping instead of
// advancing a new session's cursor.
func (p *Player) drain(ctx context.Context, gen uint64) {
	for {
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		payload, ok := p.buffer[p.cursor]
		if !ok {
			p.playing = false
			p.mu.Unlock()
			return
		}
		delete(p.buffer, p.cursor)
		index := p.cursor
		if p.hooks.Buffered != nil {
			p.hooks.Buffered(-1)
		}
		p.mu.Unlock()

		// Playback failures skip the fragment rather than wedge the
		// pipeline; the cursor still advances.
		start := time.Now()
		if err := p.sink.Play(ctx, payload); err != nil && ctx.Err() == nil {
			slog.Warn("player: fragment playback failed, skipping", "index", index, "err", err)
			if p.hooks.Skipped != nil {
				p.hooks.Skipped()
			}
		} else if ctx.Err() == nil && p.hooks.Played != nil {
			p.hooks.Played(time.Since(start))
		}

		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		p.cursor++
		p.mu.Unlock()
	}
}

// Reset clears all buffered fragments, returns the cursor to 0, and abandons
// any in-flight drain's bookkeeping. Call it on every session boundary (call
// end, disconnect, new call start) so fragments never bleed across sessions.
// A fragment the device already started playing may finish audibly.
func (p *Player) Reset() {
	p.mu.Lock()
	if n := len(p.buffer); n > 0 && p.hooks.Buffered != nil {
		p.hooks.Buffered(-n)
	}
	p.buffer = make(map[int][]byte)
	p.cursor = 0
	p.playing = false
	p.gen++
	cancel := p.cancel
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	cancel()
}

// Cursor returns the next sequence index required for playback.
func (p *Player) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Buffered returns the number of fragments held ahead of (or orphaned
// behind) the cursor.
func (p *Player) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Idle reports whether no drain is in flight and the buffer is empty.
func (p *Player) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.playing && len(p.buffer) == 0
}
