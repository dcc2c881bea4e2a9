// Package store provides storage backends for FlowBot.
//
// This file implements the in-memory store used for single-process
// deployments and tests.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// InMemoryStore is a mutex-guarded map-based Store. Suitable for a single
// process; multi-process deployments need a shared backend.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session        // key: botID|userID
	records  map[string]*models.EndpointRecord // key: botID|nodeID
	groups   map[string]*models.GroupSession
	tasks    map[string]*models.PeriodicTask
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		records:  make(map[string]*models.EndpointRecord),
		groups:   make(map[string]*models.GroupSession),
		tasks:    make(map[string]*models.PeriodicTask),
	}
}

func sessionKey(botID, userID string) string { return botID + "|" + userID }

// GetSession returns a copy of the stored session, or nil when absent.
func (s *InMemoryStore) GetSession(ctx context.Context, botID, userID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey(botID, userID)]
	if !ok {
		return nil, nil
	}
	return copySession(sess), nil
}

// SaveSession stores a copy of the session, stamping last activity when unset.
func (s *InMemoryStore) SaveSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.LastActivity.IsZero() {
		session.LastActivity = time.Now()
	}
	s.sessions[sessionKey(session.BotID, session.UserID)] = copySession(session)
	return nil
}

// DeleteSession removes the session if present.
func (s *InMemoryStore) DeleteSession(ctx context.Context, botID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(botID, userID))
	return nil
}

// ListActiveSessions returns all sessions of the bot.
func (s *InMemoryStore) ListActiveSessions(ctx context.Context, botID string) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.BotID == botID {
			out = append(out, copySession(sess))
		}
	}
	return out, nil
}

// ListSessionsAtNode returns all of the bot's sessions parked at nodeID.
func (s *InMemoryStore) ListSessionsAtNode(ctx context.Context, botID, nodeID string) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.BotID == botID && sess.CurrentNodeID == nodeID {
			out = append(out, copySession(sess))
		}
	}
	return out, nil
}

// SweepExpiredSessions deletes sessions idle longer than maxAge.
func (s *InMemoryStore) SweepExpiredSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(s.sessions, key)
			n++
		}
	}
	return n, nil
}

// GetEndpointRecord returns a copy of the stored record, or nil when absent.
func (s *InMemoryStore) GetEndpointRecord(ctx context.Context, botID, nodeID string) (*models.EndpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionKey(botID, nodeID)]
	if !ok {
		return nil, nil
	}
	return copyEndpointRecord(rec), nil
}

// SaveEndpointRecord overwrite-stores the record.
func (s *InMemoryStore) SaveEndpointRecord(ctx context.Context, record *models.EndpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[sessionKey(record.BotID, record.NodeID)] = copyEndpointRecord(record)
	return nil
}

// SweepEndpointRecords deletes records older than maxAge.
func (s *InMemoryStore) SweepEndpointRecords(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.records {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// GetGroupSession returns a copy of the stored group, or nil when absent.
func (s *InMemoryStore) GetGroupSession(ctx context.Context, groupID string) (*models.GroupSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, nil
	}
	return copyGroupSession(g), nil
}

// SaveGroupSession stores a copy of the group.
func (s *InMemoryStore) SaveGroupSession(ctx context.Context, group *models.GroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.ID] = copyGroupSession(group)
	return nil
}

// DeleteGroupSession removes the group if present.
func (s *InMemoryStore) DeleteGroupSession(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
	return nil
}

// GetPeriodicTask returns a copy of the stored task, or nil when absent.
func (s *InMemoryStore) GetPeriodicTask(ctx context.Context, taskID string) (*models.PeriodicTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// SavePeriodicTask stores a copy of the task.
func (s *InMemoryStore) SavePeriodicTask(ctx context.Context, task *models.PeriodicTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.UpdatedAt = time.Now()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

// DeletePeriodicTask removes the task if present.
func (s *InMemoryStore) DeletePeriodicTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

// ListPeriodicTasks returns all stored tasks.
func (s *InMemoryStore) ListPeriodicTasks(ctx context.Context) ([]*models.PeriodicTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.PeriodicTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func copySession(in *models.Session) *models.Session {
	out := *in
	out.Variables = make(map[string]any, len(in.Variables))
	for k, v := range in.Variables {
		out.Variables[k] = v
	}
	if in.LocationRequest != nil {
		lr := *in.LocationRequest
		out.LocationRequest = &lr
	}
	if in.GroupMembership != nil {
		gm := *in.GroupMembership
		out.GroupMembership = &gm
	}
	return &out
}

func copyEndpointRecord(in *models.EndpointRecord) *models.EndpointRecord {
	out := *in
	out.Payload = make(map[string]any, len(in.Payload))
	for k, v := range in.Payload {
		out.Payload[k] = v
	}
	return &out
}

func copyGroupSession(in *models.GroupSession) *models.GroupSession {
	out := *in
	out.ParticipantIDs = append([]string(nil), in.ParticipantIDs...)
	out.SharedVariables = make(map[string]any, len(in.SharedVariables))
	for k, v := range in.SharedVariables {
		out.SharedVariables[k] = v
	}
	return &out
}
