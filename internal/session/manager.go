// Package session keeps the registry of live sketch sessions: at most one
// per sketch, loaded on first join and evicted once the last member leaves
// and a final save succeeds.
package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/repository"
	"github.com/UniSketch/UniSketch7-sub001/internal/sketch"
)

// Loader reads persisted sketches and runs save transactions.
type Loader interface {
	sketch.Store
	GetByID(ctx context.Context, id int64) (*model.Sketch, error)
	LoadElements(ctx context.Context, sketchID int64) ([]model.Record, error)
}

var _ Loader = (*repository.SketchRepository)(nil)

// Config holds configuration for the session manager.
type Config struct {
	Session          sketch.Options
	AutosaveInterval time.Duration
}

// Manager manages live sketch sessions.
type Manager struct {
	repo   Loader
	logger *zap.Logger
	config Config

	loads singleflight.Group

	mu       sync.RWMutex
	sessions map[int64]*sketch.Session

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a new session manager.
func NewManager(repo Loader, logger *zap.Logger, config Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		repo:     repo,
		logger:   logger,
		config:   config,
		sessions: make(map[int64]*sketch.Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// GetOrCreate returns the live session for a sketch, loading it from storage
// if none exists. Concurrent first joins share a single load.
func (m *Manager) GetOrCreate(ctx context.Context, sketchID int64) (*sketch.Session, error) {
	if s, ok := m.Get(sketchID); ok {
		return s, nil
	}

	v, err, _ := m.loads.Do(strconv.FormatInt(sketchID, 10), func() (interface{}, error) {
		if s, ok := m.Get(sketchID); ok {
			return s, nil
		}

		sk, err := m.repo.GetByID(ctx, sketchID)
		if err != nil {
			return nil, err
		}
		records, err := m.repo.LoadElements(ctx, sketchID)
		if err != nil {
			return nil, fmt.Errorf("failed to load elements: %w", err)
		}

		s := sketch.NewSession(*sk, records, m.repo, m.logger, m.config.Session)

		m.mu.Lock()
		m.sessions[sketchID] = s
		m.mu.Unlock()

		m.logger.Info("Sketch session loaded",
			zap.Int64("sketch_id", sketchID),
			zap.Int("elements", len(records)))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sketch.Session), nil
}

// Get returns the live session for a sketch without loading.
func (m *Manager) Get(sketchID int64) (*sketch.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sketchID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Release writes a final save for an empty session and evicts it. A session
// that gained a member in the meantime, or whose save failed, stays live.
func (m *Manager) Release(ctx context.Context, s *sketch.Session) error {
	if !s.IsEmpty() {
		return nil
	}

	if err := s.Close(ctx); err != nil {
		m.logger.Error("Failed to save sketch on close",
			zap.Int64("sketch_id", s.ID()),
			zap.Error(err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.sessions[s.ID()]; !ok || current != s {
		return nil
	}
	if !s.TryRetire() {
		return nil
	}
	delete(m.sessions, s.ID())

	m.logger.Info("Sketch session closed", zap.Int64("sketch_id", s.ID()))
	return nil
}

// SaveAll saves every live session. Sessions already saving are skipped.
func (m *Manager) SaveAll(ctx context.Context) error {
	var errs error
	for _, s := range m.snapshot() {
		if _, err := s.Save(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Start runs periodic autosave until Close is called. A non-positive
// AutosaveInterval disables it.
func (m *Manager) Start() {
	if m.config.AutosaveInterval <= 0 || !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.config.AutosaveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.config.AutosaveInterval)
				if err := m.SaveAll(ctx); err != nil {
					m.logger.Error("Autosave failed", zap.Error(err))
				}
				cancel()
			case <-m.stop:
				return
			}
		}
	}()
}

// Close stops autosave and closes every live session with a final save.
func (m *Manager) Close(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}

	var errs error
	for _, s := range m.snapshot() {
		if err := s.Close(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	m.mu.Lock()
	clear(m.sessions)
	m.mu.Unlock()

	return errs
}

func (m *Manager) snapshot() []*sketch.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*sketch.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
