package vad

import "time"

type timedFrame struct {
	data []byte
	dur  time.Duration
}

// frameQueue is a FIFO of frames bounded by total play time. Pushing past
// the bound evicts the oldest frames.
type frameQueue struct {
	frames []timedFrame
	total  time.Duration
	limit  time.Duration
}

func newFrameQueue(limit time.Duration) *frameQueue {
	return &frameQueue{limit: limit}
}

// push appends a copy of data and returns the play time evicted to stay
// within limit.
func (q *frameQueue) push(data []byte, dur time.Duration) time.Duration {
	q.frames = append(q.frames, timedFrame{data: append([]byte(nil), data...), dur: dur})
	q.total += dur

	var evicted time.Duration
	for q.total > q.limit && len(q.frames) > 0 {
		evicted += q.frames[0].dur
		q.total -= q.frames[0].dur
		q.frames[0] = timedFrame{}
		q.frames = q.frames[1:]
	}
	return evicted
}

func (q *frameQueue) pop() (timedFrame, bool) {
	if len(q.frames) == 0 {
		return timedFrame{}, false
	}
	f := q.frames[0]
	q.frames[0] = timedFrame{}
	q.frames = q.frames[1:]
	q.total -= f.dur
	return f, true
}

// drain removes and returns all frames in order.
func (q *frameQueue) drain() []timedFrame {
	out := q.frames
	q.frames = nil
	q.total = 0
	return out
}

func (q *frameQueue) len() int { return len(q.frames) }
func (q *frameQueue) duration() time.Duration { return q.total }
