package player_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/player"
)

// fakeSink records played payloads in order. When gate is non-nil, Play
// blocks until a value is received on it, letting tests hold a drain
// mid-fragment.
type fakeSink struct {
	mu     sync.Mutex
	played [][]byte
	errOn  map[int]error // keyed by play call ordinal (0-based)
	gate   chan struct{}
	calls  int
}

func (f *fakeSink) Play(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	ordinal := f.calls
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errOn[ordinal]; ok {
		return err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.played = append(f.played, cp)
	return nil
}

func (f *fakeSink) playedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.played))
	for i, p := range f.played {
		out[i] = string(p)
	}
	return out
}

// waitIdle waits until the player settles into the Idle state.
func waitIdle(t *testing.T, p *player.Player) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.Idle() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("player did not become idle")
}

func equalOrder(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestOutOfOrderArrival(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	p := player.New(sink)

	// Arrival order [2, 0, 1] with payloads [C, A, B].
	p.AddFragment([]byte("C"), 2)
	p.AddFragment([]byte("A"), 0)
	p.AddFragment([]byte("B"), 1)

	waitIdle(t, p)
	if got := sink.playedOrder(); !equalOrder(got, []string{"A", "B", "C"}) {
		t.Errorf("played order = %v, want [A B C]", got)
	}
	if p.Cursor() != 3 {
		t.Errorf("cursor = %d, want 3", p.Cursor())
	}
	if p.Buffered() != 0 {
		t.Errorf("buffered = %d, want 0", p.Buffered())
	}
}

func TestAllInterleavings(t *testing.T) {
	t.Parallel()

	orders := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	payloads := []string{"p0", "p1", "p2"}

	for _, order := range orders {
		sink := &fakeSink{}
		p := player.New(sink)
		for _, idx := range order {
			p.AddFragment([]byte(payloads[idx]), idx)
		}
		waitIdle(t, p)
		if got := sink.playedOrder(); !equalOrder(got, payloads) {
			t.Errorf("arrival %v: played %v, want %v", order, got, payloads)
		}
	}
}

func TestNoReplay_DuplicateIndexOverwrites(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{gate: make(chan struct{})}
	p := player.New(sink)

	// Fragment 0 starts playing and blocks in the sink; fragment 1 is then
	// added twice before it is drained.
	p.AddFragment([]byte("first"), 0)
	p.AddFragment([]byte("stale"), 1)
	p.AddFragment([]byte("fresh"), 1)

	close(sink.gate)
	waitIdle(t, p)

	if got := sink.playedOrder(); !equalOrder(got, []string{"first", "fresh"}) {
		t.Errorf("played = %v, want [first fresh] (duplicate overwritten, played once)", got)
	}
}

func TestGapStall(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	p := player.New(sink)

	p.AddFragment([]byte("f0"), 0)
	p.AddFragment([]byte("f1"), 1)
	p.AddFragment([]byte("f3"), 3)

	// 0 and 1 play; 3 stays buffered behind the missing index 2.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.playedOrder()) == 2 && p.Cursor() == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := sink.playedOrder(); !equalOrder(got, []string{"f0", "f1"}) {
		t.Fatalf("played = %v, want [f0 f1]", got)
	}
	if p.Buffered() != 1 {
		t.Errorf("buffered = %d, want 1 (fragment 3 held)", p.Buffered())
	}

	// The gap fills; 2 then 3 play.
	p.AddFragment([]byte("f2"), 2)
	waitIdle(t, p)
	if got := sink.playedOrder(); !equalOrder(got, []string{"f0", "f1", "f2", "f3"}) {
		t.Errorf("played = %v, want [f0 f1 f2 f3]", got)
	}
}

func TestReset_ClearsState(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	p := player.New(sink)

	// A fragment far ahead of the cursor only buffers.
	p.AddFragment([]byte("orphan"), 5)
	if p.Buffered() != 1 {
		t.Fatalf("buffered = %d, want 1", p.Buffered())
	}

	p.Reset()
	if p.Cursor() != 0 || p.Buffered() != 0 {
		t.Fatalf("after Reset: cursor=%d buffered=%d, want 0/0", p.Cursor(), p.Buffered())
	}

	// Index 0 now plays immediately — no residue from index 5.
	p.AddFragment([]byte("fresh"), 0)
	waitIdle(t, p)
	if got := sink.playedOrder(); !equalOrder(got, []string{"fresh"}) {
		t.Errorf("played = %v, want [fresh]", got)
	}
	if p.Cursor() != 1 {
		t.Errorf("cursor = %d, want 1", p.Cursor())
	}
}

func TestReset_MidDrainAbandonsBookkeeping(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{gate: make(chan struct{})}
	p := player.New(sink)

	p.AddFragment([]byte("f0"), 0)
	p.AddFragment([]byte("f1"), 1)

	// Fragment 0 is in flight inside the sink; Reset mid-drain.
	time.Sleep(10 * time.Millisecond)
	p.Reset()
	close(sink.gate)

	// The abandoned drain must not advance the new session's cursor or play
	// the old session's fragment 1.
	p.AddFragment([]byte("new0"), 0)
	waitIdle(t, p)

	for _, played := range sink.playedOrder() {
		if played == "f1" {
			t.Error("old session fragment played after Reset")
		}
	}
	got := sink.playedOrder()
	if len(got) == 0 || got[len(got)-1] != "new0" {
		t.Errorf("played = %v, want new0 as the last fragment", got)
	}
	if p.Cursor() != 1 {
		t.Errorf("cursor = %d, want 1", p.Cursor())
	}
}

func TestPlaybackFailureSkipsFragment(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{errOn: map[int]error{1: errors.New("decode failed")}}
	p := player.New(sink)

	p.AddFragment([]byte("f0"), 0)
	p.AddFragment([]byte("f1"), 1) // fails
	p.AddFragment([]byte("f2"), 2)

	waitIdle(t, p)

	// f1 is skipped but the cursor still advances past it.
	if got := sink.playedOrder(); !equalOrder(got, []string{"f0", "f2"}) {
		t.Errorf("played = %v, want [f0 f2]", got)
	}
	if p.Cursor() != 3 {
		t.Errorf("cursor = %d, want 3", p.Cursor())
	}
}

func TestAddFragment_NeverBlocks(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{gate: make(chan struct{})}
	p := player.New(sink)

	p.AddFragment([]byte("f0"), 0)

	// With the sink blocked mid-play, further AddFragment calls must return
	// immediately.
	done := make(chan struct{})
	go func() {
		for i := 1; i < 50; i++ {
			p.AddFragment([]byte{byte(i)}, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddFragment blocked behind an in-flight drain")
	}

	close(sink.gate)
	waitIdle(t, p)
	if got := len(sink.playedOrder()); got != 50 {
		t.Errorf("played %d fragments, want 50", got)
	}
}

func TestIdleStateTransitions(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	p := player.New(sink)

	if !p.Idle() {
		t.Error("new player should be Idle")
	}
	p.AddFragment([]byte("x"), 0)
	waitIdle(t, p)
	p.Reset()
	if !p.Idle() || p.Cursor() != 0 {
		t.Error("Reset should return the player to Idle with cursor 0")
	}
}

func TestHooks_ReportLifecycle(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		played   int
		skipped  int
		buffered int
	)
	sink := &fakeSink{errOn: map[int]error{1: errors.New("device busy")}}
	p := player.New(sink, player.WithHooks(player.Hooks{
		Played: func(time.Duration) {
			mu.Lock()
			played++
			mu.Unlock()
		},
		Skipped: func() {
			mu.Lock()
			skipped++
			mu.Unlock()
		},
		Buffered: func(delta int) {
			mu.Lock()
			buffered += delta
			mu.Unlock()
		},
	}))

	p.AddFragment([]byte("A"), 0)
	p.AddFragment([]byte("B"), 1) // second play call fails
	p.AddFragment([]byte("C"), 2)
	waitIdle(t, p)

	mu.Lock()
	defer mu.Unlock()
	if played != 2 {
		t.Errorf("played hook fired %d times, want 2", played)
	}
	if skipped != 1 {
		t.Errorf("skipped hook fired %d times, want 1", skipped)
	}
	if buffered != 0 {
		t.Errorf("net buffered delta = %d, want 0", buffered)
	}
}

func TestHooks_ResetReleasesBufferedCount(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		buffered int
	)
	sink := &fakeSink{}
	p := player.New(sink, player.WithHooks(player.Hooks{
		Buffered: func(delta int) {
			mu.Lock()
			buffered += delta
			mu.Unlock()
		},
	}))

	// Indices ahead of the cursor are held, never drained.
	p.AddFragment([]byte("X"), 5)
	p.AddFragment([]byte("Y"), 6)

	mu.Lock()
	if buffered != 2 {
		t.Errorf("buffered delta before reset = %d, want 2", buffered)
	}
	mu.Unlock()

	p.Reset()

	mu.Lock()
	defer mu.Unlock()
	if buffered != 0 {
		t.Errorf("buffered delta after reset = %d, want 0", buffered)
	}
}
