package safety

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/convoyhq/convoy/internal/state"
	"github.com/convoyhq/convoy/pkg/models"
)

// Decision is a human's resolution of a pending action.
type Decision string

const (
	// DecisionExecute approves the gated step for dispatch.
	DecisionExecute Decision = "execute"
	// DecisionReject refuses the gated step.
	DecisionReject Decision = "reject"
)

// Valid returns true if the decision is a known value.
func (d Decision) Valid() bool {
	return d == DecisionExecute || d == DecisionReject
}

// PendingManager owns the pending-action lifecycle: creation, exactly-once
// resolution, and TTL expiry. Actions are persisted so a restart can expire
// leftovers instead of silently dropping them.
type PendingManager struct {
	mu      sync.Mutex
	db      *state.DB
	actions map[string]*models.PendingAction
	// onExpire is invoked outside the lock when an action times out.
	onExpire func(models.PendingAction)
}

// NewPendingManager creates a pending-action manager. Actions left PENDING
// in the database by a previous process are expired immediately: their
// workflows are gone, so no resolution could ever reach them.
func NewPendingManager(db *state.DB) (*PendingManager, error) {
	m := &PendingManager{
		db:      db,
		actions: make(map[string]*models.PendingAction),
	}

	stale, err := db.PendingActions()
	if err != nil {
		return nil, fmt.Errorf("load pending actions: %w", err)
	}
	for _, action := range stale {
		if err := db.UpdatePendingStatus(action.ActionID, models.PendingStatusExpired); err != nil {
			return nil, err
		}
		log.Printf("[safety] expired stale pending action %s from previous run", action.ActionID)
	}
	return m, nil
}

// SetExpiryHandler registers the callback fired when an action expires.
// The orchestrator uses it to fail the owning workflow with APPROVAL_TIMEOUT.
func (m *PendingManager) SetExpiryHandler(fn func(models.PendingAction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Add registers a new pending action and persists it.
func (m *PendingManager) Add(action models.PendingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.SavePendingAction(action); err != nil {
		return err
	}
	m.actions[action.ActionID] = &action
	log.Printf("[safety] pending action %s created for workflow %s (expires %s)",
		action.ActionID, action.WorkflowID, action.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Get returns the action by id, checking memory first and falling back to
// the database for actions from terminated workflows.
func (m *PendingManager) Get(actionID string) (models.PendingAction, bool) {
	m.mu.Lock()
	if action, ok := m.actions[actionID]; ok {
		copied := *action
		m.mu.Unlock()
		return copied, true
	}
	m.mu.Unlock()

	action, err := m.db.PendingAction(actionID)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("[safety] load pending action %s: %v", actionID, err)
		}
		return models.PendingAction{}, false
	}
	return action, true
}

// Resolve transitions a PENDING action to EXECUTED or REJECTED exactly once.
// It returns the action's (possibly pre-existing) terminal status and whether
// this call performed the transition. Repeat calls are no-ops that report the
// recorded status.
func (m *PendingManager) Resolve(actionID string, decision Decision) (models.PendingActionStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[actionID]
	if !ok {
		stored, err := m.db.PendingAction(actionID)
		if err != nil {
			if err == sql.ErrNoRows {
				return "", false, fmt.Errorf("no pending action %s: %w", actionID, sql.ErrNoRows)
			}
			return "", false, err
		}
		// Only terminal actions live solely in the database.
		return stored.Status, false, nil
	}

	if action.Status.Terminal() {
		return action.Status, false, nil
	}

	next := models.PendingStatusRejected
	if decision == DecisionExecute {
		next = models.PendingStatusExecuted
	}

	if err := m.db.UpdatePendingStatus(actionID, next); err != nil {
		return "", false, err
	}
	action.Status = next
	delete(m.actions, actionID)
	log.Printf("[safety] pending action %s resolved: %s", actionID, next)
	return next, true, nil
}

// RunExpiry scans for expired actions until the context is cancelled.
func (m *PendingManager) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ExpireDue(time.Now().UTC())
		}
	}
}

// ExpireDue transitions every overdue PENDING action to EXPIRED and fires
// the expiry handler for each.
func (m *PendingManager) ExpireDue(now time.Time) {
	m.mu.Lock()
	var expired []models.PendingAction
	for id, action := range m.actions {
		if !action.Expired(now) {
			continue
		}
		if err := m.db.UpdatePendingStatus(id, models.PendingStatusExpired); err != nil {
			log.Printf("[safety] expire pending action %s: %v", id, err)
			continue
		}
		action.Status = models.PendingStatusExpired
		expired = append(expired, *action)
		delete(m.actions, id)
	}
	handler := m.onExpire
	m.mu.Unlock()

	for _, action := range expired {
		log.Printf("[safety] pending action %s expired", action.ActionID)
		if handler != nil {
			handler(action)
		}
	}
}
