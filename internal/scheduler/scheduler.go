// Package scheduler fires syncs on their configured cadence and, in worker
// mode, drains the durable request queue.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

// Dispatcher hands a due integration off for syncing. The direct
// implementation runs it in-process; the queue implementation enqueues for a
// worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, integrationID, source string) error
}

// Scheduler owns the cron runner and one entry per scheduled integration.
type Scheduler struct {
	integs     store.IntegrationsRepo
	dispatcher Dispatcher
	cron       *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a stopped scheduler.
func New(integs store.IntegrationsRepo, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		integs:     integs,
		dispatcher: dispatcher,
		cron:       cron.New(),
		entries:    make(map[string]cron.EntryID),
	}
}

// Start loads every scheduled integration and begins firing. Integrations
// with invalid schedules are logged and skipped, never fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	integs, err := s.integs.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scheduled integrations: %w", err)
	}
	for _, integ := range integs {
		if err := s.Upsert(ctx, integ); err != nil {
			log.Warn().Str("integration_id", integ.ID).Err(err).
				Msg("skipping integration with invalid schedule")
		}
	}
	s.cron.Start()
	log.Info().Int("scheduled", s.Entries()).Msg("scheduler started")
	return nil
}

// Upsert (re)registers the integration's cron entry. A disabled schedule
// removes any existing entry.
func (s *Scheduler) Upsert(ctx context.Context, integ model.Integration) error {
	if !integ.Schedule.Enabled || !integ.Options.AutoSync {
		s.Remove(integ.ID)
		return nil
	}
	spec, err := CronSpec(integ.Schedule)
	if err != nil {
		return err
	}
	// Validate before touching the old entry, so a rejected spec leaves the
	// current schedule in place.
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	id := integ.ID
	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove first: the old and new entries must never coexist, or a firing
	// in the gap would dispatch twice.
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
		delete(s.entries, id)
	}
	entryID, err := s.cron.AddFunc(spec, func() {
		// Each firing gets a fresh background context; the cron callback
		// must never inherit a long-dead request context.
		if err := s.dispatcher.Dispatch(context.Background(), id, "scheduled"); err != nil {
			log.Warn().Str("integration_id", id).Err(err).Msg("scheduled dispatch failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	s.entries[id] = entryID

	log.Debug().Str("integration_id", id).Str("spec", spec).Msg("schedule registered")
	return nil
}

// Remove drops the integration's cron entry if present.
func (s *Scheduler) Remove(integrationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[integrationID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, integrationID)
	}
}

// Entries reports how many schedules are registered.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop halts firing and waits for in-flight callbacks.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}
