// Package workitems is the durable queue of work items shared by the pipeline stages.
//
// A Store is bound to one stage invocation: it enumerates the stage's inbox for
// the current run, creates outputs for the next stage, and records exactly one
// terminal state per claimed item.
package workitems

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"workitem-pipeline/internal/models"
)

// Store is the per-invocation view of the work item queue.
type Store interface {
	// Inputs claims and yields the items waiting in this stage's inbox. It is not restartable.
	Inputs(ctx context.Context) iter.Seq2[*models.WorkItem, error]
	// CreateOutput enqueues a new item for the next stage.
	CreateOutput(ctx context.Context, payload models.Payload) (*models.WorkItem, error)
	// Save persists payload changes of a claimed item without changing its state.
	Save(ctx context.Context, item *models.WorkItem) error
	// Done marks a claimed item as successfully processed.
	Done(ctx context.Context, item *models.WorkItem) error
	// Fail marks a claimed item as failed with a classified reason.
	Fail(ctx context.Context, item *models.WorkItem, failure models.Failure) error
	// Release hands a claimed, non-terminal item back to the inbox for a later invocation.
	Release(ctx context.Context, item *models.WorkItem, after time.Duration) error
	// Close ends the invocation and reports claimed items left without an outcome.
	Close(ctx context.Context) error
}

// ErrInvalidState matches every store contract violation.
var ErrInvalidState = errors.New("invalid work item state")

// ErrNoNextStage is returned by CreateOutput on the last stage.
var ErrNoNextStage = errors.New("stage has no downstream stage")

// InvalidStateError reports a terminal call made twice or on an item this invocation does not own.
type InvalidStateError struct {
	ItemID string
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.ItemID, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// UnfinishedError lists items an invocation claimed but never resolved.
type UnfinishedError struct {
	ItemIDs []string
}

func (e *UnfinishedError) Error() string {
	return fmt.Sprintf("%d claimed work items left without an outcome: %s", len(e.ItemIDs), strings.Join(e.ItemIDs, ", "))
}

type claimStatus int

const (
	claimOpen claimStatus = iota
	claimTerminal
	claimReleased
)

// claims tracks the items one invocation obtained from its inbox.
type claims struct {
	mu    sync.Mutex
	items map[string]claimStatus
}

func newClaims() *claims {
	return &claims{items: make(map[string]claimStatus)}
}

func (c *claims) add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[id] = claimOpen
}

// open checks that id is claimed and still open.
func (c *claims) open(op string, item *models.WorkItem) error {
	if item == nil {
		return &InvalidStateError{Op: op, Reason: "nil work item"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.items[item.ID]
	switch {
	case !ok:
		return &InvalidStateError{ItemID: item.ID, Op: op, Reason: "item was not enumerated by this invocation"}
	case st == claimTerminal:
		return &InvalidStateError{ItemID: item.ID, Op: op, Reason: "item already has a terminal state"}
	case st == claimReleased:
		return &InvalidStateError{ItemID: item.ID, Op: op, Reason: "item was released"}
	}
	return nil
}

func (c *claims) set(id string, st claimStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[id] = st
}

func (c *claims) unfinished() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, st := range c.items {
		if st == claimOpen {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return &UnfinishedError{ItemIDs: ids}
}
