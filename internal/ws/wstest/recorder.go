// Package wstest provides an in-memory websocket transport for tests.
package wstest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is a decoded outbound event.
type Frame struct {
	Event         string          `json:"event"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        string          `json:"status,omitempty"`
	Error         string          `json:"error,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Recorder satisfies ws.Transport and keeps every text frame written.
type Recorder struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	// Block, when set, stalls writes until closed.
	Block chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) WriteMessage(messageType int, data []byte) error {
	if r.Block != nil {
		<-r.Block
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return websocket.ErrCloseSent
	}
	r.frames = append(r.frames, append([]byte(nil), data...))
	return nil
}

func (r *Recorder) SetWriteDeadline(time.Time) error { return nil }

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Frames decodes every frame written so far.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, 0, len(r.frames))
	for _, raw := range r.frames {
		var f Frame
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Events returns the event names written so far.
func (r *Recorder) Events() []string {
	frames := r.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

// Count returns how many frames named event were written.
func (r *Recorder) Count(event string) int {
	n := 0
	for _, name := range r.Events() {
		if name == event {
			n++
		}
	}
	return n
}
