package segment

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator hands out segment IDs.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

// Next returns "<scope>-seg-<n>" with n unique across the generator.
func (g *Generator) Next(scope string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-seg-%d", scope, n)
}

// NewResponseID returns an assistant response segment ID, LLM_<hex8>.
func NewResponseID() string {
	return "LLM_" + hexID()
}

// NewSessionID returns a voice session ID, session_<hex8>.
func NewSessionID() string {
	return "session_" + hexID()
}

func hexID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Info is a point-in-time view of a Lifecycle.
type Info struct {
	ID         string
	State      State
	Partials   int
	LastText   string
	Age        time.Duration
	DropReason string
}

// Lifecycle tracks one transcription segment. Safe for concurrent use.
//
//	OPEN --Final--> FINAL_EMITTED --Close--> CLOSED
//	  |                   |
//	  +------Drop---------+--> DROPPED
//
// Partials are accepted only while OPEN; exactly one final is accepted.
type Lifecycle struct {
	mu         sync.RWMutex
	id         string
	state      State
	partials   int
	lastText   string
	openedAt   time.Time
	dropReason string
}

// NewLifecycle creates a lifecycle in OPEN state.
func NewLifecycle(id string) *Lifecycle {
	return &Lifecycle{id: id, state: StateOpen, openedAt: time.Now()}
}

// ID returns the segment ID.
func (l *Lifecycle) ID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.id
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Partial records an interim transcript and returns the number of partials
// seen in this segment.
func (l *Lifecycle) Partial(text string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateOpen:
		l.partials++
		l.lastText = text
		return l.partials, nil
	case StateFinalEmitted:
		return l.partials, ErrCannotEmitPartialAfterFinal
	default:
		return l.partials, ErrSegmentClosed
	}
}

// Final records the final transcript and moves to FINAL_EMITTED.
func (l *Lifecycle) Final(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateOpen:
		l.state = StateFinalEmitted
		l.lastText = text
		return nil
	case StateFinalEmitted:
		return ErrFinalAlreadyEmitted
	default:
		return ErrSegmentClosed
	}
}

// Close moves to CLOSED unless the segment was dropped. Idempotent.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateDropped {
		l.state = StateClosed
	}
}

// Drop abandons the segment without a final. It returns false if the
// segment was already terminal.
func (l *Lifecycle) Drop(reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateDropped
	l.dropReason = reason
	return true
}

// Reset reopens the lifecycle under a new ID.
func (l *Lifecycle) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id = id
	l.state = StateOpen
	l.partials = 0
	l.lastText = ""
	l.dropReason = ""
	l.openedAt = time.Now()
}

// Info returns a snapshot of the lifecycle.
func (l *Lifecycle) Info() Info {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Info{
		ID:         l.id,
		State:      l.state,
		Partials:   l.partials,
		LastText:   l.lastText,
		Age:        time.Since(l.openedAt),
		DropReason: l.dropReason,
	}
}
