// Package session owns one upload workflow per signed-in user and tears
// idle workflows down.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/medscan/internal/prediction"
	"github.com/example/medscan/internal/preview"
	"github.com/example/medscan/internal/workflow"
)

// ErrShutdown is returned once the manager has been shut down.
var ErrShutdown = errors.New("session manager shut down")

// Recorder receives settled submissions together with their owner.
type Recorder interface {
	RecordOutcome(ctx context.Context, userID string, outcome workflow.Outcome) error
}

// Config tunes workflow lifetimes.
type Config struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration

	// RequestTimeout bounds each classification request; zero disables it.
	RequestTimeout time.Duration
}

type entry struct {
	wf       *workflow.Workflow
	lastSeen time.Time
}

// Manager maps user ids to workflows.
type Manager struct {
	classifier prediction.Client
	previews   preview.Store
	recorder   Recorder
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewManager constructs a manager. recorder may be nil.
func NewManager(classifier prediction.Client, previews preview.Store, recorder Recorder, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		classifier: classifier,
		previews:   previews,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger.Named("session"),
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
}

// Get returns the workflow of userID, creating an idle one on first use.
func (m *Manager) Get(ctx context.Context, userID string) (*workflow.Workflow, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShutdown
	}
	if e, ok := m.entries[userID]; ok {
		e.lastSeen = m.now()
		return e.wf, nil
	}

	opts := workflow.Options{
		Classifier: m.classifier,
		Previews:   m.previews,
		Logger:     m.logger.With(zap.String("user_id", userID)),
		Timeout:    m.cfg.RequestTimeout,
	}
	if m.recorder != nil {
		opts.Observer = &userObserver{userID: userID, recorder: m.recorder, logger: m.logger}
	}
	e := &entry{wf: workflow.New(opts), lastSeen: m.now()}
	m.entries[userID] = e
	m.logger.Debug("workflow created", zap.String("user_id", userID))
	return e.wf, nil
}

// Len returns the number of live workflows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep tears down workflows idle for longer than IdleTTL and returns how
// many were removed.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	var expired []*workflow.Workflow
	for userID, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, e.wf)
			delete(m.entries, userID)
		}
	}
	m.mu.Unlock()

	for _, wf := range expired {
		wf.Close(ctx)
	}
	if len(expired) > 0 {
		m.logger.Info("evicted idle workflows", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.SweepInterval <= 0 || m.cfg.IdleTTL <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Shutdown tears down every workflow and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.wf.Close(ctx)
	}
	m.logger.Info("session manager shut down", zap.Int("workflows", len(entries)))
}

type userObserver struct {
	userID   string
	recorder Recorder
	logger   *zap.Logger
}

func (o *userObserver) Settled(ctx context.Context, outcome workflow.Outcome) {
	if err := o.recorder.RecordOutcome(ctx, o.userID, outcome); err != nil {
		o.logger.Warn("failed to record outcome", zap.String("user_id", o.userID), zap.String("task_id", outcome.TaskID), zap.Error(err))
	}
}
