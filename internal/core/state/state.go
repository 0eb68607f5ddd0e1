package state

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/ufanet/internal/core/api"
	"github.com/trymwestin/ufanet/internal/core/transport"
)

// Resource identifies one polled collection.
type Resource string

const (
	ResourceIntercoms Resource = "intercoms"
	ResourceCameras   Resource = "cameras"
	ResourceContract  Resource = "contract"
)

// Resources lists every polled resource in publish order.
var Resources = []Resource{ResourceIntercoms, ResourceCameras, ResourceContract}

// ResourceError records why a resource could not be fetched in a cycle.
type ResourceError struct {
	Kind    transport.ErrorKind `json:"kind"`
	Message string              `json:"message"`
	Status  int                 `json:"status,omitempty"`
}

// NewResourceError captures err's kind without relabeling it. Errors that
// carry no kind are recorded as unexpected.
func NewResourceError(err error) *ResourceError {
	if err == nil {
		return nil
	}
	re := &ResourceError{Kind: transport.KindUnexpected, Message: err.Error()}
	if k, ok := transport.KindOf(err); ok {
		re.Kind = k
	}
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) {
		re.Status = apiErr.Status
	}
	return re
}

func (e *ResourceError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Snapshot is the merged view of all resources after one poll cycle.
// Resources that failed carry the previous cycle's value.
type Snapshot struct {
	CycleID   string                      `json:"cycle_id"`
	Intercoms []api.Intercom              `json:"intercoms"`
	Cameras   []api.Camera                `json:"cameras"`
	Contract  *api.Contract               `json:"contract"`
	FetchedAt time.Time                   `json:"fetched_at"`
	Errors    map[Resource]*ResourceError `json:"errors"`
	// Err is set when the cycle could not start at all.
	Err *ResourceError `json:"error,omitempty"`
}

// Error returns the failure recorded for r in this snapshot, if any.
func (s Snapshot) Error(r Resource) (*ResourceError, bool) {
	e, ok := s.Errors[r]
	return e, ok && e != nil
}

// Healthy reports whether every resource was fetched in this cycle.
func (s Snapshot) Healthy() bool {
	if s.Err != nil {
		return false
	}
	for _, e := range s.Errors {
		if e != nil {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Snapshot) Clone() Snapshot {
	cp := s
	if s.Intercoms != nil {
		cp.Intercoms = append([]api.Intercom(nil), s.Intercoms...)
	}
	if s.Cameras != nil {
		cp.Cameras = append([]api.Camera(nil), s.Cameras...)
	}
	if s.Contract != nil {
		c := *s.Contract
		cp.Contract = &c
	}
	if s.Errors != nil {
		cp.Errors = make(map[Resource]*ResourceError, len(s.Errors))
		for k, v := range s.Errors {
			if v != nil {
				e := *v
				v = &e
			}
			cp.Errors[k] = v
		}
	}
	if s.Err != nil {
		e := *s.Err
		cp.Err = &e
	}
	return cp
}

// EventType identifies event categories.
type EventType string

const (
	EventSnapshotPublished EventType = "snapshot_published"
	EventDoorOpened        EventType = "door_opened"
	EventDoorFailed        EventType = "door_failed"
)

// Event represents a state change.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// DoorEvent is the payload of door events.
type DoorEvent struct {
	IntercomID int                 `json:"intercom_id"`
	Result     bool                `json:"result"`
	Kind       transport.ErrorKind `json:"kind,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// SnapshotReader provides read-only access to the latest snapshot.
type SnapshotReader interface {
	Current() (Snapshot, bool)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. Slow subscribers lose events
// rather than block the publisher.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed on unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// --- SnapshotStore ---

// SnapshotStore holds the latest published Snapshot. It has one writer, the
// coordinator; readers always get a private copy.
type SnapshotStore struct {
	mu   sync.RWMutex
	snap *Snapshot
	bus  *EventBus
	log  *slog.Logger
}

// NewSnapshotStore creates an empty store wired to the event bus.
func NewSnapshotStore(bus *EventBus, log *slog.Logger) *SnapshotStore {
	return &SnapshotStore{bus: bus, log: log}
}

// Current returns a copy of the latest snapshot. ok is false before the
// first publish.
func (s *SnapshotStore) Current() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return Snapshot{}, false
	}
	return s.snap.Clone(), true
}

// Publish replaces the current snapshot wholesale and announces it.
// FetchedAt is bumped if needed so it strictly increases between publishes.
func (s *SnapshotStore) Publish(snap Snapshot) Snapshot {
	snap = snap.Clone()

	s.mu.Lock()
	if s.snap != nil && !snap.FetchedAt.After(s.snap.FetchedAt) {
		snap.FetchedAt = s.snap.FetchedAt.Add(time.Nanosecond)
	}
	s.snap = &snap
	out := snap.Clone()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(Event{Type: EventSnapshotPublished, Timestamp: out.FetchedAt, Data: out.Clone()})
	}
	return out
}
