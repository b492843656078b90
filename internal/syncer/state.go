package syncer

import (
	"fmt"
	"sync"
	"time"

	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

// runState accumulates counters across concurrent file workers.
type runState struct {
	integrationID string

	mu        sync.Mutex
	processed int
	inserted  int
	updated   int
	skipped   int
	files     []model.FileResult
	errors    []string
}

func newRunState(integrationID string) *runState {
	return &runState{integrationID: integrationID}
}

func (s *runState) addBatch(n int, res store.BatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed += n
	s.inserted += res.Inserted
	s.updated += res.Updated
}

func (s *runState) addSkipped(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped += n
}

func (s *runState) addFile(fr model.FileResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, fr)
}

func (s *runState) addError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
}

// outcome folds the accumulated state into a terminal result. Per-file
// failures only fail the run when failOnFileError is set or nothing at all
// succeeded.
func (s *runState) outcome(start time.Time, runErr error, failOnFileError bool) *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &Outcome{
		Status:     model.SyncSuccess,
		Processed:  s.processed,
		Inserted:   s.inserted,
		Updated:    s.updated,
		Skipped:    s.skipped,
		DurationMS: time.Since(start).Milliseconds(),
		Files:      s.files,
	}

	if runErr != nil {
		out.Status = model.SyncFailed
		out.Error = runErr.Error()
		return out
	}

	failed := 0
	for _, f := range s.files {
		if f.Status != "success" {
			failed++
		}
	}
	switch {
	case failed > 0 && failed == len(s.files):
		out.Status = model.SyncFailed
		out.Error = fmt.Sprintf("all %d files failed", failed)
	case failed > 0 && failOnFileError:
		out.Status = model.SyncFailed
		out.Error = fmt.Sprintf("%d of %d files failed", failed, len(s.files))
	}
	return out
}
