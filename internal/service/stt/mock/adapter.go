// Package mock provides a scripted STT adapter for running without cloud
// credentials. It produces progressive partials while audio flows, then
// exactly one final and an end-of-utterance per scripted utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"ai-voice-session-service/internal/service/stt"
)

// SimulatedUtterance represents a scripted utterance.
type SimulatedUtterance struct {
	Partials   []string
	Final      string
	Confidence float64
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"what's", "what's the", "what's the weather"},
		Final:      "what's the weather like today",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"set a", "set a timer", "set a timer for"},
		Final:      "set a timer for ten minutes",
		Confidence: 0.92,
	},
	{
		Partials:   []string{"tell me", "tell me a"},
		Final:      "tell me a joke",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"thanks"},
		Final:      "thanks that's all",
		Confidence: 0.98,
	},
}

// Options tunes the simulation.
type Options struct {
	// FramesPerStep is the number of audio frames between transcript updates.
	FramesPerStep int
	// Delay simulates provider latency before each callback.
	Delay      time.Duration
	Utterances []SimulatedUtterance
}

// DefaultOptions returns options that produce an update every ~200ms of
// 20ms frames.
func DefaultOptions() Options {
	return Options{
		FramesPerStep: 10,
		Delay:         50 * time.Millisecond,
		Utterances:    DefaultUtterances,
	}
}

type eventKind int

const (
	evPartial eventKind = iota
	evFinal
)

type event struct {
	kind eventKind
	text string
	conf float64
}

// Adapter implements stt.Adapter with scripted responses.
type Adapter struct {
	opts Options

	mu        sync.Mutex
	cb        stt.Callback
	events    chan event
	done      chan struct{}
	frames    int
	utterance int
	step      int
	closed    bool
}

var _ stt.Adapter = (*Adapter)(nil)

// New creates a mock adapter with default options.
func New() *Adapter {
	return NewWithOptions(DefaultOptions())
}

// NewWithOptions creates a mock adapter.
func NewWithOptions(opts Options) *Adapter {
	if opts.FramesPerStep <= 0 {
		opts.FramesPerStep = 1
	}
	if len(opts.Utterances) == 0 {
		opts.Utterances = DefaultUtterances
	}
	return &Adapter{
		opts:   opts,
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	a.cb = cb
	a.mu.Unlock()
	go a.dispatch()
	return nil
}

// SendAudio advances the script every FramesPerStep frames.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.cb == nil {
		return nil
	}

	a.frames++
	if a.frames%a.opts.FramesPerStep != 0 {
		return nil
	}

	utt := a.opts.Utterances[a.utterance%len(a.opts.Utterances)]
	if a.step < len(utt.Partials) {
		a.events <- event{kind: evPartial, text: utt.Partials[a.step]}
		a.step++
		return nil
	}

	a.events <- event{kind: evFinal, text: utt.Final, conf: utt.Confidence}
	a.utterance++
	a.step = 0
	return nil
}

// Close ends the session. An utterance that produced partials but no final
// is finalized first.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.step > 0 && a.cb != nil {
		utt := a.opts.Utterances[a.utterance%len(a.opts.Utterances)]
		a.events <- event{kind: evFinal, text: utt.Final, conf: utt.Confidence}
	}
	started := a.cb != nil
	close(a.events)
	a.mu.Unlock()

	if started {
		<-a.done
	}
	return nil
}

func (a *Adapter) dispatch() {
	defer close(a.done)
	for ev := range a.events {
		if a.opts.Delay > 0 {
			time.Sleep(a.opts.Delay)
		}
		// cb is written once in Start before dispatch runs.
		cb := a.cb
		switch ev.kind {
		case evPartial:
			cb.OnPartial(ev.text)
		case evFinal:
			cb.OnFinal(ev.text, ev.conf)
			cb.OnEndOfUtterance()
		}
	}
}
