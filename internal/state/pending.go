package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/convoyhq/convoy/pkg/models"
)

// SavePendingAction inserts or replaces a pending action row.
func (db *DB) SavePendingAction(action models.PendingAction) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	stepJSON, err := json.Marshal(action.Step)
	if err != nil {
		return fmt.Errorf("marshal pending step: %w", err)
	}

	_, err = db.conn.Exec(`
		INSERT OR REPLACE INTO pending_actions
			(action_id, workflow_id, step_json, risk_level, reason, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ActionID, action.WorkflowID, string(stepJSON), string(action.RiskLevel),
		action.Reason, string(action.Status), action.CreatedAt, action.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save pending action: %w", err)
	}
	return nil
}

// UpdatePendingStatus transitions a pending action to a terminal status.
func (db *DB) UpdatePendingStatus(actionID string, status models.PendingActionStatus) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		"UPDATE pending_actions SET status = ? WHERE action_id = ?",
		string(status), actionID,
	)
	if err != nil {
		return fmt.Errorf("update pending action %s: %w", actionID, err)
	}
	return nil
}

// PendingAction loads one action by id. Returns sql.ErrNoRows if absent.
func (db *DB) PendingAction(actionID string) (models.PendingAction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	row := db.conn.QueryRow(`
		SELECT action_id, workflow_id, step_json, risk_level, reason, status, created_at, expires_at
		FROM pending_actions WHERE action_id = ?`, actionID)
	return scanPendingAction(row)
}

// PendingActions returns all actions still in PENDING status, oldest first.
// Used on startup to expire leftovers from a previous process.
func (db *DB) PendingActions() ([]models.PendingAction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(`
		SELECT action_id, workflow_id, step_json, risk_level, reason, status, created_at, expires_at
		FROM pending_actions WHERE status = ? ORDER BY created_at`,
		string(models.PendingStatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	var actions []models.PendingAction
	for rows.Next() {
		action, err := scanPendingAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanPendingAction(s scanner) (models.PendingAction, error) {
	var action models.PendingAction
	var stepJSON, riskLevel, status string

	err := s.Scan(&action.ActionID, &action.WorkflowID, &stepJSON, &riskLevel,
		&action.Reason, &status, &action.CreatedAt, &action.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return action, err
		}
		return action, fmt.Errorf("scan pending action: %w", err)
	}

	if err := json.Unmarshal([]byte(stepJSON), &action.Step); err != nil {
		return action, fmt.Errorf("unmarshal pending step: %w", err)
	}
	action.RiskLevel = models.RiskLevel(riskLevel)
	action.Status = models.PendingActionStatus(status)
	return action, nil
}
