// Package event provides best-effort fan-out of lifecycle, progress, and
// preview events to connected observers.
package event

import "sync"

// subscriberBufferSize is the channel buffer for each subscriber. Events are
// dropped for a subscriber that falls this far behind; delivery is
// best-effort and must never block the pipeline.
const subscriberBufferSize = 64

// Event is one broadcast message. Type matches the wire event name and Data
// is the JSON-shaped payload.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Broadcast event type names.
const (
	TypeGenerationStarted   = "generation_started"
	TypeGenerationCompleted = "generation_completed"
	TypeFrameUpdated        = "frame_updated"
	TypeTaskProgress        = "task_progress"
)

// GenerationStarted is broadcast when a variant's pipeline begins producing
// output, with the placeholder preview path already on disk.
type GenerationStarted struct {
	TaskID      string `json:"task_id"`
	FrameID     string `json:"frame_id"`
	ProjectID   string `json:"project_id"`
	PreviewPath string `json:"preview_path"`
	Generator   string `json:"generator"`
	VariantID   int    `json:"variant_id"`
}

// GenerationCompleted is broadcast when a variant's final artifact is saved.
type GenerationCompleted struct {
	TaskID    string `json:"task_id"`
	FrameID   string `json:"frame_id"`
	ProjectID string `json:"project_id"`
	FinalPath string `json:"final_path"`
	Generator string `json:"generator"`
	VariantID int    `json:"variant_id"`
}

// FrameUpdated is broadcast when a frame record's path or metadata changes.
type FrameUpdated struct {
	FrameID   string `json:"frame_id"`
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
	Generator string `json:"generator"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// TaskProgress is broadcast on each persisted progress update. Updates for a
// given task arrive in non-decreasing order; no ordering holds across tasks.
type TaskProgress struct {
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress"`
}

// Broker fans events out to all subscribers. It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel that receives all future events and an
// unsubscribe function. If the broker is already closed, the returned channel
// is immediately closed.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish sends an event to all subscribers. Events are dropped for
// subscribers whose buffers are full.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking the pipeline.
		}
	}
}

// Close shuts the broker down. All subscriber channels are closed and future
// Subscribe calls return a closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
