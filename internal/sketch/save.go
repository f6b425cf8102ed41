package sketch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/repository"
)

// savePlan is the snapshot one save pass writes.
type savePlan struct {
	sketch     model.Sketch
	deletes    []int64
	records    []model.Record
	sessionIDs []int64 // parallel to records
	mapped     []bool  // whether records[i] had a storage id when planned
}

func (s *Session) planLocked() savePlan {
	plan := savePlan{sketch: s.sketch}

	for _, p := range s.pending {
		plan.deletes = append(plan.deletes, p.storageID)
	}
	for _, el := range s.sortedLocked() {
		storageID, ok := s.storageIDs[el.ID]
		plan.records = append(plan.records, model.Record{StorageID: storageID, Element: el})
		plan.sessionIDs = append(plan.sessionIDs, el.ID)
		plan.mapped = append(plan.mapped, ok)
	}
	return plan
}

// Save persists the session in one transaction: queued deletions, every live
// element, then the sketch metadata. It reports false without error when
// another save is already running. Edits made while the transaction runs are
// kept and picked up by the next save.
func (s *Session) Save(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.saveDone != nil {
		s.mu.Unlock()
		return false, nil
	}
	done := make(chan struct{})
	s.saveDone = done
	plan := s.planLocked()
	s.mu.Unlock()

	var storageIDs []int64
	err := s.store.RunInTx(ctx, func(tx repository.ElementTx) error {
		if err := tx.DeleteElements(ctx, plan.deletes); err != nil {
			return err
		}
		ids, err := tx.UpsertElements(ctx, plan.sketch.ID, plan.records)
		if err != nil {
			return err
		}
		storageIDs = ids
		return tx.UpdateSketchMetadata(ctx, &plan.sketch)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveDone = nil
	close(done)

	if err != nil {
		s.logger.Error("Failed to save sketch", zap.Error(err))
		return false, fmt.Errorf("failed to save sketch %d: %w", plan.sketch.ID, err)
	}

	s.commitLocked(plan, storageIDs)
	s.logger.Debug("Saved sketch",
		zap.Int("elements", len(plan.records)),
		zap.Int("deleted", len(plan.deletes)))
	return true, nil
}

// commitLocked folds a successful save back into the live state.
func (s *Session) commitLocked(plan savePlan, storageIDs []int64) {
	written := make(map[int64]struct{}, len(plan.deletes))
	for _, id := range plan.deletes {
		written[id] = struct{}{}
	}
	kept := s.pending[:0]
	for _, p := range s.pending {
		if _, ok := written[p.storageID]; !ok {
			kept = append(kept, p)
		}
	}
	s.pending = kept

	for i, sessionID := range plan.sessionIDs {
		storageID := storageIDs[i]
		if _, live := s.elements[sessionID]; live {
			if _, ok := s.storageIDs[sessionID]; !ok {
				s.storageIDs[sessionID] = storageID
			}
			continue
		}
		// Removed while the transaction ran. A row that was mapped at plan
		// time was already queued by the removal; a freshly inserted one was not.
		if !plan.mapped[i] {
			s.pending = append(s.pending, pendingDelete{sessionID: sessionID, storageID: storageID})
		}
	}
}

// WaitSave blocks until no save is in flight or ctx is done.
func (s *Session) WaitSave(ctx context.Context) error {
	for {
		s.mu.Lock()
		done := s.saveDone
		s.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close drops chat and cursors and writes a final save, waiting behind any
// save already in flight.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.chat.Clear()
	clear(s.cursors)
	s.mu.Unlock()

	for {
		if err := s.WaitSave(ctx); err != nil {
			return err
		}
		saved, err := s.Save(ctx)
		if err != nil {
			return err
		}
		if saved {
			return nil
		}
	}
}
