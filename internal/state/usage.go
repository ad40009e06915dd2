package state

import (
	"database/sql"
	"fmt"

	"github.com/convoyhq/convoy/pkg/models"
)

// AppendUsage inserts one audit record. It never touches the quota counters;
// counter increments go through ApplyUsage so that denial records stay free.
func (db *DB) AppendUsage(rec models.UsageRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		INSERT INTO usage_records
			(timestamp, user_id, workflow_id, operation, agent_name, tool_name,
			 tokens_used, status, error_message, cost_estimate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.UserID, rec.WorkflowID, string(rec.Operation),
		rec.AgentName, rec.ToolName, rec.TokensUsed, string(rec.Status),
		rec.ErrorMessage, rec.CostEstimate,
	)
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

// ApplyUsage atomically appends the audit record and increments the user
// daily and system hourly counters in a single transaction, so a crash can
// never leave the ledger and the counters disagreeing.
func (db *DB) ApplyUsage(rec models.UsageRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO usage_records
			(timestamp, user_id, workflow_id, operation, agent_name, tool_name,
			 tokens_used, status, error_message, cost_estimate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.UserID, rec.WorkflowID, string(rec.Operation),
		rec.AgentName, rec.ToolName, rec.TokensUsed, string(rec.Status),
		rec.ErrorMessage, rec.CostEstimate,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("append usage record: %w", err)
	}

	day := models.DayBucket(rec.Timestamp)
	_, err = tx.Exec(`
		INSERT INTO user_daily_quota (user_id, date, tokens_used, requests_made)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(user_id, date) DO UPDATE SET
			tokens_used = tokens_used + excluded.tokens_used,
			requests_made = requests_made + 1`,
		rec.UserID, day, rec.TokensUsed,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("increment user daily quota: %w", err)
	}

	hour := models.HourBucket(rec.Timestamp)
	_, err = tx.Exec(`
		INSERT INTO system_hourly_usage (hour_bucket, tokens_used, requests_made)
		VALUES (?, ?, 1)
		ON CONFLICT(hour_bucket) DO UPDATE SET
			tokens_used = tokens_used + excluded.tokens_used,
			requests_made = requests_made + 1`,
		hour, rec.TokensUsed,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("increment system hourly usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage tx: %w", err)
	}
	return nil
}

// UserDailyQuota returns the counter row for the given user and day.
// A missing row reads as zero usage.
func (db *DB) UserDailyQuota(userID, date string) (models.UserDailyQuota, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	quota := models.UserDailyQuota{UserID: userID, Date: date}
	row := db.conn.QueryRow(
		"SELECT tokens_used, requests_made FROM user_daily_quota WHERE user_id = ? AND date = ?",
		userID, date,
	)
	if err := row.Scan(&quota.TokensUsed, &quota.RequestsMade); err != nil {
		if err == sql.ErrNoRows {
			return quota, nil
		}
		return quota, fmt.Errorf("read user daily quota: %w", err)
	}
	return quota, nil
}

// SystemHourlyUsage returns the counter row for the given hour bucket.
// A missing row reads as zero usage.
func (db *DB) SystemHourlyUsage(hour string) (models.SystemHourlyUsage, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	usage := models.SystemHourlyUsage{HourBucket: hour}
	row := db.conn.QueryRow(
		"SELECT tokens_used, requests_made FROM system_hourly_usage WHERE hour_bucket = ?",
		hour,
	)
	if err := row.Scan(&usage.TokensUsed, &usage.RequestsMade); err != nil {
		if err == sql.ErrNoRows {
			return usage, nil
		}
		return usage, fmt.Errorf("read system hourly usage: %w", err)
	}
	return usage, nil
}

// PruneDailyQuota deletes counter rows older than the given day, keeping the
// current window intact. Running it twice in the same window is a no-op.
func (db *DB) PruneDailyQuota(keepDate string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec("DELETE FROM user_daily_quota WHERE date < ?", keepDate); err != nil {
		return fmt.Errorf("prune daily quota: %w", err)
	}
	return nil
}

// PruneHourlyUsage deletes counter rows older than the given hour bucket.
// Running it twice in the same window is a no-op.
func (db *DB) PruneHourlyUsage(keepHour string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec("DELETE FROM system_hourly_usage WHERE hour_bucket < ?", keepHour); err != nil {
		return fmt.Errorf("prune hourly usage: %w", err)
	}
	return nil
}
