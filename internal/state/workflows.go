package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/convoyhq/convoy/pkg/models"
)

// SaveWorkflowRun inserts or replaces a workflow run record. The orchestrator
// calls this at creation and at every status transition.
func (db *DB) SaveWorkflowRun(run models.WorkflowRun) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var planJSON, contextJSON, errorJSON []byte
	var err error

	if run.Plan != nil {
		if planJSON, err = json.Marshal(run.Plan); err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
	}
	if run.Context != nil {
		if contextJSON, err = json.Marshal(run.Context); err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
	}
	if run.Error != nil {
		if errorJSON, err = json.Marshal(run.Error); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}

	var endedAt any
	if run.EndedAt != nil {
		endedAt = *run.EndedAt
	}

	_, err = db.conn.Exec(`
		INSERT OR REPLACE INTO workflow_runs
			(workflow_id, user_id, input, status, plan_json, context_json,
			 error_json, pending_action_id, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.WorkflowID, run.UserID, run.Input, string(run.Status),
		string(planJSON), string(contextJSON), string(errorJSON),
		run.PendingActionID, run.StartedAt, endedAt,
	)
	if err != nil {
		return fmt.Errorf("save workflow run: %w", err)
	}
	return nil
}

// WorkflowRun loads one run by id. Returns sql.ErrNoRows if absent.
func (db *DB) WorkflowRun(workflowID string) (models.WorkflowRun, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var run models.WorkflowRun
	var status, planJSON, contextJSON, errorJSON string
	var endedAt sql.NullTime

	row := db.conn.QueryRow(`
		SELECT workflow_id, user_id, input, status, plan_json, context_json,
		       error_json, pending_action_id, started_at, ended_at
		FROM workflow_runs WHERE workflow_id = ?`, workflowID)

	err := row.Scan(&run.WorkflowID, &run.UserID, &run.Input, &status,
		&planJSON, &contextJSON, &errorJSON, &run.PendingActionID,
		&run.StartedAt, &endedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return run, err
		}
		return run, fmt.Errorf("scan workflow run: %w", err)
	}

	run.Status = models.WorkflowStatus(status)
	if planJSON != "" {
		run.Plan = &models.Plan{}
		if err := json.Unmarshal([]byte(planJSON), run.Plan); err != nil {
			return run, fmt.Errorf("unmarshal plan: %w", err)
		}
	}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &run.Context); err != nil {
			return run, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if errorJSON != "" {
		run.Error = &models.WorkflowError{}
		if err := json.Unmarshal([]byte(errorJSON), run.Error); err != nil {
			return run, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return run, nil
}
