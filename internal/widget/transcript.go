// Package widget is the user-facing layer of the voice pipeline: it owns the
// session lifecycle, push-to-talk, the rolling conversation transcript, and
// automatic reconnection after transport failures.
package widget

import (
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/session"
)

// Entry is a single line of the conversation transcript.
type Entry struct {
	// Role identifies the speaker.
	Role session.Role

	// Text is the spoken or generated text. Agent text arrives in chunks
	// and is accumulated into one entry per turn.
	Text string

	// At records when the entry was first created.
	At time.Time
}

// Transcript maintains a bounded rolling buffer of conversation lines.
// When the buffer exceeds its maximum size, the oldest entries are evicted.
//
// Consecutive agent text chunks are merged into a single entry; a merge
// boundary is forced by [Transcript.EndTurn] or by an interleaved user line.
//
// All methods are safe for concurrent use.
type Transcript struct {
	mu       sync.RWMutex
	entries  []Entry
	maxSize  int
	turnOpen bool
}

// NewTranscript creates a transcript that retains at most maxSize entries.
// A maxSize of zero or less disables retention entirely.
func NewTranscript(maxSize int) *Transcript {
	return &Transcript{
		entries: make([]Entry, 0, max(maxSize, 0)),
		maxSize: maxSize,
	}
}

// Append adds a line to the transcript. Agent text appends to the current
// open agent turn when one exists; user lines always create a new entry.
func (tr *Transcript) Append(role session.Role, text string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.maxSize <= 0 {
		return
	}

	if role == session.RoleAgent && tr.turnOpen && len(tr.entries) > 0 {
		last := &tr.entries[len(tr.entries)-1]
		if last.Role == session.RoleAgent {
			last.Text += text
			return
		}
	}

	tr.entries = append(tr.entries, Entry{
		Role: role,
		Text: text,
		At:   time.Now().UTC(),
	})
	tr.turnOpen = role == session.RoleAgent
	tr.evict()
}

// EndTurn closes the current agent turn, so the next agent chunk starts a
// fresh entry. Called when the remote signals the utterance is complete.
func (tr *Transcript) EndTurn() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.turnOpen = false
}

// Entries returns a snapshot of the transcript in chronological order.
func (tr *Transcript) Entries() []Entry {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]Entry, len(tr.entries))
	copy(out, tr.entries)
	return out
}

// Len returns the current number of entries.
func (tr *Transcript) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.entries)
}

// Clear removes all entries.
func (tr *Transcript) Clear() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.entries = tr.entries[:0]
	tr.turnOpen = false
}

// evict drops the oldest entries until the buffer fits maxSize.
// Caller must hold mu.
func (tr *Transcript) evict() {
	if n := len(tr.entries) - tr.maxSize; n > 0 {
		tr.entries = append(tr.entries[:0], tr.entries[n:]...)
	}
}
