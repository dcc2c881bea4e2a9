// Package store provides storage backends for FlowBot.
//
// This file holds the SQL implementation shared by the SQLite and Postgres
// backends. Queries are written with ? placeholders and rebound to $n form
// for Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// sqlStore implements Store on top of database/sql. Embedded by SQLiteStore
// and PostgresStore.
type sqlStore struct {
	db     *sql.DB
	rebind func(string) string
}

func passthroughBind(q string) string { return q }

// dollarBind rewrites ? placeholders to $1..$n for Postgres.
func dollarBind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sessionColumns = "bot_id, user_id, chat_id, current_node_id, variables, last_activity, synthetic, location_request, group_membership"

func (s *sqlStore) GetSession(ctx context.Context, botID, userID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+sessionColumns+" FROM sessions WHERE bot_id = ? AND user_id = ?"), botID, userID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var variables string
	var locationReq, groupMembership sql.NullString
	err := row.Scan(&sess.BotID, &sess.UserID, &sess.ChatID, &sess.CurrentNodeID,
		&variables, &sess.LastActivity, &sess.Synthetic, &locationReq, &groupMembership)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(variables), &sess.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode session variables: %w", err)
	}
	if locationReq.Valid && locationReq.String != "" {
		var lr models.LocationRequest
		if err := json.Unmarshal([]byte(locationReq.String), &lr); err != nil {
			return nil, fmt.Errorf("failed to decode location request: %w", err)
		}
		sess.LocationRequest = &lr
	}
	if groupMembership.Valid && groupMembership.String != "" {
		var gm models.GroupMembership
		if err := json.Unmarshal([]byte(groupMembership.String), &gm); err != nil {
			return nil, fmt.Errorf("failed to decode group membership: %w", err)
		}
		sess.GroupMembership = &gm
	}
	return &sess, nil
}

func (s *sqlStore) SaveSession(ctx context.Context, session *models.Session) error {
	if session.LastActivity.IsZero() {
		session.LastActivity = time.Now()
	}
	if session.Variables == nil {
		session.Variables = make(map[string]any)
	}
	variables, err := json.Marshal(session.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode session variables: %w", err)
	}
	var locationReq, groupMembership sql.NullString
	if session.LocationRequest != nil {
		b, err := json.Marshal(session.LocationRequest)
		if err != nil {
			return fmt.Errorf("failed to encode location request: %w", err)
		}
		locationReq = sql.NullString{String: string(b), Valid: true}
	}
	if session.GroupMembership != nil {
		b, err := json.Marshal(session.GroupMembership)
		if err != nil {
			return fmt.Errorf("failed to encode group membership: %w", err)
		}
		groupMembership = sql.NullString{String: string(b), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot_id, user_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			current_node_id = excluded.current_node_id,
			variables = excluded.variables,
			last_activity = excluded.last_activity,
			synthetic = excluded.synthetic,
			location_request = excluded.location_request,
			group_membership = excluded.group_membership`),
		session.BotID, session.UserID, session.ChatID, session.CurrentNodeID,
		string(variables), session.LastActivity, session.Synthetic, locationReq, groupMembership)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, botID, userID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		"DELETE FROM sessions WHERE bot_id = ? AND user_id = ?"), botID, userID)
	return err
}

func (s *sqlStore) ListActiveSessions(ctx context.Context, botID string) ([]*models.Session, error) {
	return s.querySessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE bot_id = ?", botID)
}

func (s *sqlStore) ListSessionsAtNode(ctx context.Context, botID, nodeID string) ([]*models.Session, error) {
	return s.querySessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE bot_id = ? AND current_node_id = ?", botID, nodeID)
}

func (s *sqlStore) querySessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqlStore) SweepExpiredSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, s.rebind(
		"DELETE FROM sessions WHERE last_activity < ?"), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) GetEndpointRecord(ctx context.Context, botID, nodeID string) (*models.EndpointRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT bot_id, node_id, payload, received_at, request_count FROM endpoint_records WHERE bot_id = ? AND node_id = ?"),
		botID, nodeID)
	var rec models.EndpointRecord
	var payload string
	err := row.Scan(&rec.BotID, &rec.NodeID, &payload, &rec.ReceivedAt, &rec.RequestCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode endpoint payload: %w", err)
	}
	return &rec, nil
}

func (s *sqlStore) SaveEndpointRecord(ctx context.Context, record *models.EndpointRecord) error {
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode endpoint payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO endpoint_records (bot_id, node_id, payload, received_at, request_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bot_id, node_id) DO UPDATE SET
			payload = excluded.payload,
			received_at = excluded.received_at,
			request_count = excluded.request_count`),
		record.BotID, record.NodeID, string(payload), record.ReceivedAt, record.RequestCount)
	if err != nil {
		return fmt.Errorf("failed to save endpoint record: %w", err)
	}
	return nil
}

func (s *sqlStore) SweepEndpointRecords(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, s.rebind(
		"DELETE FROM endpoint_records WHERE received_at < ?"), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) GetGroupSession(ctx context.Context, groupID string) (*models.GroupSession, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT id, bot_id, participant_ids, shared_variables, created_at FROM group_sessions WHERE id = ?"), groupID)
	var g models.GroupSession
	var participants, shared string
	err := row.Scan(&g.ID, &g.BotID, &participants, &shared, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &g.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	if err := json.Unmarshal([]byte(shared), &g.SharedVariables); err != nil {
		return nil, fmt.Errorf("failed to decode shared variables: %w", err)
	}
	return &g, nil
}

func (s *sqlStore) SaveGroupSession(ctx context.Context, group *models.GroupSession) error {
	participants, err := json.Marshal(group.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}
	shared, err := json.Marshal(group.SharedVariables)
	if err != nil {
		return fmt.Errorf("failed to encode shared variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO group_sessions (id, bot_id, participant_ids, shared_variables, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			shared_variables = excluded.shared_variables`),
		group.ID, group.BotID, string(participants), string(shared), group.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save group session: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteGroupSession(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM group_sessions WHERE id = ?"), groupID)
	return err
}

const taskColumns = "id, bot_id, flow_id, node_id, user_id, chat_id, interval_value, interval_unit, cron_expr, max_executions, execution_count, status, created_at, updated_at"

func (s *sqlStore) GetPeriodicTask(ctx context.Context, taskID string) (*models.PeriodicTask, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+taskColumns+" FROM periodic_tasks WHERE id = ?"), taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

func scanTask(row rowScanner) (*models.PeriodicTask, error) {
	var t models.PeriodicTask
	err := row.Scan(&t.ID, &t.BotID, &t.FlowID, &t.NodeID, &t.UserID, &t.ChatID,
		&t.Interval, &t.IntervalUnit, &t.CronExpr, &t.MaxExecutions,
		&t.ExecutionCount, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqlStore) SavePeriodicTask(ctx context.Context, task *models.PeriodicTask) error {
	task.UpdatedAt = time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = task.UpdatedAt
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO periodic_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			max_executions = excluded.max_executions,
			execution_count = excluded.execution_count,
			status = excluded.status,
			updated_at = excluded.updated_at`),
		task.ID, task.BotID, task.FlowID, task.NodeID, task.UserID, task.ChatID,
		task.Interval, task.IntervalUnit, task.CronExpr, task.MaxExecutions,
		task.ExecutionCount, task.Status, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save periodic task: %w", err)
	}
	return nil
}

func (s *sqlStore) DeletePeriodicTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM periodic_tasks WHERE id = ?"), taskID)
	return err
}

func (s *sqlStore) ListPeriodicTasks(ctx context.Context) ([]*models.PeriodicTask, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT "+taskColumns+" FROM periodic_tasks"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PeriodicTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *sqlStore) Close() error { return s.db.Close() }
