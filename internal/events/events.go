// Package events carries StrataFS domain events to subscribed
// collaborators as CloudEvents. Publication is fire-and-forget: a
// failing subscriber or payload is logged and never fails the core
// operation that triggered the event.
package events

import (
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratafs/stratafs/pkg/types"
)

const source = "stratafs/core"

// Event types.
const (
	TypeHydrationStarted   = "com.stratafs.hydration.started"
	TypeHydrationCompleted = "com.stratafs.hydration.completed"
	TypeHydrationFailed    = "com.stratafs.hydration.failed"
	TypeStorageMounted     = "com.stratafs.storage.mounted"
	TypeStorageUnmounted   = "com.stratafs.storage.unmounted"
	TypeCacheEviction      = "com.stratafs.cache.evicted"
	TypeSyncStarted        = "com.stratafs.sync.started"
	TypeSyncProgress       = "com.stratafs.sync.progress"
	TypeSyncCompleted      = "com.stratafs.sync.completed"
	TypeTierChanged        = "com.stratafs.tier.changed"
)

// HydrationPayload describes a hydration lifecycle event.
type HydrationPayload struct {
	Path     string            `json:"path"`
	FromTier types.StorageTier `json:"from_tier"`
	ToTier   types.StorageTier `json:"to_tier"`
	Bytes    int64             `json:"bytes,omitempty"`
	Duration time.Duration     `json:"duration,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// StoragePayload describes a source mount/unmount.
type StoragePayload struct {
	SourceID string                  `json:"source_id"`
	Name     string                  `json:"name"`
	Type     types.StorageSourceType `json:"type"`
}

// EvictionPayload describes one cache eviction pass.
type EvictionPayload struct {
	Paths      []string `json:"paths"`
	BytesFreed int64    `json:"bytes_freed"`
}

// TierPayload describes a deliberate tier change.
type TierPayload struct {
	Path     string            `json:"path"`
	FromTier types.StorageTier `json:"from_tier"`
	ToTier   types.StorageTier `json:"to_tier"`
}

// Handler receives every published event.
type Handler func(event.Event)

// Bus fans events out to subscribers synchronously in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]Handler
	nextID int
	logger *zap.Logger
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]Handler), logger: logger}
}

// Subscribe registers a handler and returns its unsubscribe func.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish builds a CloudEvent and delivers it to every subscriber. A
// payload that cannot be encoded is logged and dropped.
func (b *Bus) Publish(eventType, subject string, payload interface{}) {
	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetSource(source)
	ev.SetType(eventType)
	ev.SetSubject(subject)
	ev.SetTime(time.Now())
	if payload != nil {
		if err := ev.SetData(cloudevents.ApplicationJSON, payload); err != nil {
			b.logger.Warn("dropping event with unencodable payload",
				zap.String("type", eventType), zap.Error(err))
			return
		}
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("event subscriber panicked",
						zap.String("type", eventType), zap.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}
