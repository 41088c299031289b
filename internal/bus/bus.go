// Package bus provides the per-task progress stream. Each pipeline run
// owns exactly one Stream with a single subscriber; events are delivered
// in emission order and publishing never blocks the pipeline.
package bus

import (
	"sync"
	"time"
)

// Type identifies a progress event.
type Type string

const (
	TypeConnected    Type = "connected"
	TypeStage        Type = "stage"
	TypeIntent       Type = "intent"
	TypeCodeChunk    Type = "code_chunk"
	TypeSuggestion   Type = "suggestion"
	TypeTestProgress Type = "test_progress"
	TypeTestResult   Type = "test_result"
	TypePR           Type = "pr"
	TypeComplete     Type = "complete"
	TypeError        Type = "error"
	TypeDone         Type = "done"
)

// Event is one entry on a task's progress stream.
type Event struct {
	Type      Type      `json:"type"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// DefaultBuffer is the bounded buffer size per stream.
const DefaultBuffer = 256

// Stream is a single-producer single-consumer event queue. When the
// buffer is full the oldest droppable event is discarded; stage, intent,
// test_result, pr, complete, error and done survive any overflow.
type Stream struct {
	taskID string
	limit  int

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []Event
	closed   bool // subscriber detached; publish becomes a no-op
	finished bool // done has been delivered
}

// NewStream creates a stream for one task. limit <= 0 uses DefaultBuffer.
func NewStream(taskID string, limit int) *Stream {
	if limit <= 0 {
		limit = DefaultBuffer
	}
	s := &Stream{taskID: taskID, limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// TaskID returns the task this stream belongs to.
func (s *Stream) TaskID() string { return s.taskID }

// dropPriority is the order in which events are sacrificed on overflow.
var dropPriority = []Type{TypeCodeChunk, TypeTestProgress, TypeSuggestion}

// Publish appends an event. After the subscriber disconnects this is a
// silent no-op; the pipeline never blocks or fails on a missing reader.
func (s *Stream) Publish(t Type, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return
	}

	if len(s.buf) >= s.limit {
		s.dropOneLocked()
	}
	s.buf = append(s.buf, Event{
		Type:      t,
		TaskID:    s.taskID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	s.cond.Broadcast()
}

// dropOneLocked removes the oldest droppable event. If only critical
// events remain the buffer grows past its limit rather than losing one.
func (s *Stream) dropOneLocked() {
	for _, dt := range dropPriority {
		for i, e := range s.buf {
			if e.Type == dt {
				s.buf = append(s.buf[:i], s.buf[i+1:]...)
				return
			}
		}
	}
}

// Recv blocks until the next event is available. ok is false once the
// stream has delivered done or the subscriber has closed it.
func (s *Stream) Recv() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed && !s.finished {
		s.cond.Wait()
	}
	if s.closed || (s.finished && len(s.buf) == 0) {
		return Event{}, false
	}
	e := s.buf[0]
	s.buf = s.buf[1:]
	if e.Type == TypeDone {
		s.finished = true
	}
	return e, true
}

// Close detaches the subscriber. Pending and future events are discarded;
// the producer keeps running unaffected.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Len reports the number of buffered events.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
