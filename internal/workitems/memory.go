package workitems

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/telemetry"
)

type scheduled struct {
	id  string
	due time.Time
}

// MemoryBackend keeps every run's items in process. Sessions opened on the same
// backend share inboxes, so concurrent sessions claim disjoint items.
type MemoryBackend struct {
	mu      sync.Mutex
	items   map[string]*models.WorkItem
	order   []string
	inboxes map[string][]string
	delayed map[string][]scheduled
	now     func() time.Time
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		items:   make(map[string]*models.WorkItem),
		inboxes: make(map[string][]string),
		delayed: make(map[string][]scheduled),
		now:     time.Now,
	}
}

func inboxOf(runID, stage string) string { return runID + "/" + stage }

// Seed places an item directly into a stage inbox, the way an orchestrator submits a run's first input.
func (b *MemoryBackend) Seed(runID, stage string, payload models.Payload) models.WorkItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.createLocked(runID, stage, payload)
}

func (b *MemoryBackend) createLocked(runID, stage string, payload models.Payload) *models.WorkItem {
	if payload == nil {
		payload = models.Payload{}
	}
	now := b.now().UTC()
	item := &models.WorkItem{
		ID:        uuid.New().String(),
		RunID:     runID,
		Stage:     stage,
		Payload:   payload.Clone(),
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.items[item.ID] = item
	b.order = append(b.order, item.ID)
	key := inboxOf(runID, stage)
	b.inboxes[key] = append(b.inboxes[key], item.ID)
	return item
}

// Session opens a store for one invocation of stage within runID.
func (b *MemoryBackend) Session(runID, stage string) *Memory {
	sr := models.StepRun{ID: uuid.New().String(), RunID: runID, StepName: stage, StartedAt: b.now().UTC()}
	return &Memory{backend: b, stepRun: sr, next: models.NextStage(stage), claims: newClaims()}
}

// Items returns copies of the items created for a stage inbox, in creation order.
func (b *MemoryBackend) Items(runID, stage string) []models.WorkItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.WorkItem
	for _, id := range b.order {
		it := b.items[id]
		if it.RunID == runID && it.Stage == stage {
			cp := *it
			cp.Payload = it.Payload.Clone()
			out = append(out, cp)
		}
	}
	return out
}

// ListStageItems returns the history of every item created for stageName in runID,
// including items no step run has claimed yet, which are reported as pending.
func (b *MemoryBackend) ListStageItems(_ context.Context, stageName, runID string) ([]models.RunHistoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.RunHistoryEntry
	for _, id := range b.order {
		it := b.items[id]
		if it.RunID == runID && it.Stage == stageName {
			out = append(out, models.HistoryEntryOf(*it))
		}
	}
	return out, nil
}

// Memory is a Store session over a MemoryBackend.
type Memory struct {
	backend *MemoryBackend
	stepRun models.StepRun
	next    string
	claims  *claims
}

// StepRun identifies this invocation.
func (m *Memory) StepRun() models.StepRun { return m.stepRun }

func (m *Memory) Inputs(ctx context.Context) iter.Seq2[*models.WorkItem, error] {
	m.backend.promote(m.stepRun.RunID, m.stepRun.StepName)
	return func(yield func(*models.WorkItem, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			item := m.backend.claim(m.stepRun)
			if item == nil {
				return
			}
			m.claims.add(item.ID)
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (b *MemoryBackend) promote(runID, stage string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := inboxOf(runID, stage)
	now := b.now()
	var keep []scheduled
	for _, s := range b.delayed[key] {
		if !s.due.After(now) {
			b.inboxes[key] = append(b.inboxes[key], s.id)
		} else {
			keep = append(keep, s)
		}
	}
	b.delayed[key] = keep
}

func (b *MemoryBackend) claim(sr models.StepRun) *models.WorkItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := inboxOf(sr.RunID, sr.StepName)
	for len(b.inboxes[key]) > 0 {
		id := b.inboxes[key][0]
		b.inboxes[key] = b.inboxes[key][1:]
		it := b.items[id]
		if it == nil || it.State.Terminal() {
			continue
		}
		it.StepRunID = sr.ID
		it.UpdatedAt = b.now().UTC()
		cp := *it
		cp.Payload = it.Payload.Clone()
		return &cp
	}
	return nil
}

func (m *Memory) CreateOutput(_ context.Context, payload models.Payload) (*models.WorkItem, error) {
	if m.next == "" {
		return nil, fmt.Errorf("%s: %w", m.stepRun.StepName, ErrNoNextStage)
	}
	m.backend.mu.Lock()
	item := m.backend.createLocked(m.stepRun.RunID, m.next, payload)
	cp := *item
	cp.Payload = item.Payload.Clone()
	m.backend.mu.Unlock()
	telemetry.ItemsCreated.WithLabelValues(m.next).Inc()
	return &cp, nil
}

func (m *Memory) Save(_ context.Context, item *models.WorkItem) error {
	if err := m.claims.open("save", item); err != nil {
		return err
	}
	return m.backend.update(item.ID, m.stepRun.ID, "save", func(it *models.WorkItem) {
		it.Payload = item.Payload.Clone()
	})
}

func (m *Memory) Done(_ context.Context, item *models.WorkItem) error {
	if err := m.claims.open("done", item); err != nil {
		return err
	}
	err := m.backend.update(item.ID, m.stepRun.ID, "done", func(it *models.WorkItem) {
		it.State = models.StateDone
	})
	if err != nil {
		return err
	}
	m.claims.set(item.ID, claimTerminal)
	item.State = models.StateDone
	telemetry.ItemsDone.WithLabelValues(m.stepRun.StepName).Inc()
	return nil
}

func (m *Memory) Fail(_ context.Context, item *models.WorkItem, failure models.Failure) error {
	if err := m.claims.open("fail", item); err != nil {
		return err
	}
	f := failure
	err := m.backend.update(item.ID, m.stepRun.ID, "fail", func(it *models.WorkItem) {
		it.State = models.StateFailed
		it.Failure = &f
	})
	if err != nil {
		return err
	}
	m.claims.set(item.ID, claimTerminal)
	item.State = models.StateFailed
	item.Failure = &f
	telemetry.ItemsFailed.WithLabelValues(m.stepRun.StepName, string(f.Kind), f.Code).Inc()
	return nil
}

func (m *Memory) Release(_ context.Context, item *models.WorkItem, after time.Duration) error {
	if err := m.claims.open("release", item); err != nil {
		return err
	}
	b := m.backend
	b.mu.Lock()
	key := inboxOf(m.stepRun.RunID, m.stepRun.StepName)
	b.delayed[key] = append(b.delayed[key], scheduled{id: item.ID, due: b.now().Add(after)})
	b.mu.Unlock()
	m.claims.set(item.ID, claimReleased)
	telemetry.ItemsReleased.WithLabelValues(m.stepRun.StepName).Inc()
	return nil
}

func (m *Memory) Close(_ context.Context) error {
	return m.claims.unfinished()
}

// update applies fn to a pending item claimed by stepRunID.
func (b *MemoryBackend) update(id, stepRunID, op string, fn func(*models.WorkItem)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		return &InvalidStateError{ItemID: id, Op: op, Reason: "unknown item"}
	}
	if it.StepRunID != stepRunID {
		return &InvalidStateError{ItemID: id, Op: op, Reason: "item is claimed by another invocation"}
	}
	if it.State.Terminal() {
		return &InvalidStateError{ItemID: id, Op: op, Reason: "item already has a terminal state"}
	}
	fn(it)
	it.UpdatedAt = b.now().UTC()
	return nil
}
