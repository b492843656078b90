// Package progress tracks live sync runs in memory. State is process-local:
// each serve or worker process reports on its own runs only.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/model"
)

const (
	// retention keeps finished runs visible to pollers before eviction.
	retention = 60 * time.Second

	janitorInterval = 10 * time.Second

	subscriberBuffer = 16
)

// Bus holds the live progress of every in-flight run and fans updates out to
// subscribers. Publishing never blocks: a slow subscriber misses updates
// instead of stalling the sync.
type Bus struct {
	mu      sync.RWMutex
	runs    map[string]*model.SyncProgress
	subs    map[string]map[chan model.SyncProgress]struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewBus starts a bus and its eviction janitor.
func NewBus() *Bus {
	b := &Bus{
		runs:    make(map[string]*model.SyncProgress),
		subs:    make(map[string]map[chan model.SyncProgress]struct{}),
		stopped: make(chan struct{}),
	}
	go b.janitor()
	return b
}

// Start registers a new run, resetting any stale entry for the integration.
func (b *Bus) Start(integrationID string) {
	now := time.Now()
	b.mu.Lock()
	b.runs[integrationID] = &model.SyncProgress{
		IntegrationID: integrationID,
		Status:        model.ProgressStarting,
		Phase:         model.PhaseConnecting,
		StartTime:     now,
		UpdatedAt:     now,
	}
	snapshot := *b.runs[integrationID]
	b.mu.Unlock()
	b.publish(integrationID, snapshot)
}

// Update applies fn to the run's progress under the lock and publishes the
// result. Counters only move forward; fn must not decrease them.
func (b *Bus) Update(integrationID string, fn func(p *model.SyncProgress)) {
	b.mu.Lock()
	p, ok := b.runs[integrationID]
	if !ok {
		b.mu.Unlock()
		return
	}
	fn(p)
	p.UpdatedAt = time.Now()
	p.ElapsedMS = p.UpdatedAt.Sub(p.StartTime).Milliseconds()
	snapshot := *p
	b.mu.Unlock()
	b.publish(integrationID, snapshot)
}

// Get returns a snapshot of the run, or nil if none is tracked.
func (b *Bus) Get(integrationID string) *model.SyncProgress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.runs[integrationID]
	if !ok {
		return nil
	}
	snapshot := *p
	return &snapshot
}

// Active returns snapshots of every non-terminal run.
func (b *Bus) Active() []model.SyncProgress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []model.SyncProgress
	for _, p := range b.runs {
		if !p.Terminal() {
			out = append(out, *p)
		}
	}
	return out
}

// Subscribe returns a channel of progress updates for one integration and a
// cancel func. The channel is buffered; overflow drops updates.
func (b *Bus) Subscribe(integrationID string) (<-chan model.SyncProgress, func()) {
	ch := make(chan model.SyncProgress, subscriberBuffer)
	b.mu.Lock()
	if b.subs[integrationID] == nil {
		b.subs[integrationID] = make(map[chan model.SyncProgress]struct{})
	}
	b.subs[integrationID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[integrationID]; ok {
			if _, present := set[ch]; present {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, integrationID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) publish(integrationID string, p model.SyncProgress) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[integrationID] {
		select {
		case ch <- p:
		default:
			// subscriber is behind; skip rather than block the sync
		}
	}
}

// Close stops the janitor. Tracked state stays readable.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.stopped) })
}

func (b *Bus) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopped:
			return
		case <-ticker.C:
			b.evict(time.Now())
		}
	}
}

func (b *Bus) evict(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.runs {
		if p.Terminal() && now.Sub(p.UpdatedAt) > retention {
			delete(b.runs, id)
			log.Debug().Str("integration_id", id).Msg("evicted finished sync progress")
		}
	}
}
