// Package store provides storage backends for FlowBot.
//
// This file implements the Redis-backed store. Key structure:
//
//	flowbot:session:<botID>:<userID>   => JSON session
//	flowbot:idx:sessions:<botID>       => SET of user IDs with a session
//	flowbot:endpoint:<botID>:<nodeID>  => JSON endpoint record
//	flowbot:idx:endpoints              => SET of "<botID>:<nodeID>" keys
//	flowbot:group:<groupID>            => JSON group session
//	flowbot:task:<taskID>              => JSON periodic task
//	flowbot:idx:tasks                  => SET of task IDs
//
// The index sets are always updated on save/delete and drive listing and
// sweeping without SCAN.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FlowBotIO/flowbot/internal/models"
)

const redisKeyPrefix = "flowbot:"

// RedisStore is a Store backed by Redis, for multi-process deployments.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis store. The DSN is a redis:// URL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("RedisStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	redisOpts, err := redis.ParseURL(dsn)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		return nil, err
	}
	slog.Info("Redis store ready", "addr", redisOpts.Addr)
	return &RedisStore{client: client}, nil
}

func redisSessionKey(botID, userID string) string {
	return redisKeyPrefix + "session:" + botID + ":" + userID
}

func redisSessionIndexKey(botID string) string {
	return redisKeyPrefix + "idx:sessions:" + botID
}

func redisEndpointKey(botID, nodeID string) string {
	return redisKeyPrefix + "endpoint:" + botID + ":" + nodeID
}

const redisEndpointIndexKey = redisKeyPrefix + "idx:endpoints"

func redisGroupKey(groupID string) string { return redisKeyPrefix + "group:" + groupID }
func redisTaskKey(taskID string) string   { return redisKeyPrefix + "task:" + taskID }

const redisTaskIndexKey = redisKeyPrefix + "idx:tasks"

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

// GetSession returns the stored session, or nil when absent.
func (s *RedisStore) GetSession(ctx context.Context, botID, userID string) (*models.Session, error) {
	var sess models.Session
	ok, err := s.getJSON(ctx, redisSessionKey(botID, userID), &sess)
	if err != nil || !ok {
		return nil, err
	}
	return &sess, nil
}

// SaveSession stores the session and updates the bot's session index.
func (s *RedisStore) SaveSession(ctx context.Context, session *models.Session) error {
	if session.LastActivity.IsZero() {
		session.LastActivity = time.Now()
	}
	if err := s.setJSON(ctx, redisSessionKey(session.BotID, session.UserID), session); err != nil {
		return err
	}
	return s.client.SAdd(ctx, redisSessionIndexKey(session.BotID), session.UserID).Err()
}

// DeleteSession removes the session and its index entry.
func (s *RedisStore) DeleteSession(ctx context.Context, botID, userID string) error {
	if err := s.client.Del(ctx, redisSessionKey(botID, userID)).Err(); err != nil {
		return err
	}
	return s.client.SRem(ctx, redisSessionIndexKey(botID), userID).Err()
}

// ListActiveSessions returns all sessions of the bot.
func (s *RedisStore) ListActiveSessions(ctx context.Context, botID string) ([]*models.Session, error) {
	userIDs, err := s.client.SMembers(ctx, redisSessionIndexKey(botID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, userID := range userIDs {
		sess, err := s.GetSession(ctx, botID, userID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			// Stale index entry; drop it.
			_ = s.client.SRem(ctx, redisSessionIndexKey(botID), userID).Err()
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// ListSessionsAtNode returns the bot's sessions parked at nodeID.
func (s *RedisStore) ListSessionsAtNode(ctx context.Context, botID, nodeID string) ([]*models.Session, error) {
	all, err := s.ListActiveSessions(ctx, botID)
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, sess := range all {
		if sess.CurrentNodeID == nodeID {
			out = append(out, sess)
		}
	}
	return out, nil
}

// SweepExpiredSessions deletes sessions idle longer than maxAge across all
// indexed bots.
func (s *RedisStore) SweepExpiredSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	n := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"session:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		var sess models.Session
		ok, err := s.getJSON(ctx, key, &sess)
		if err != nil || !ok {
			continue
		}
		if sess.LastActivity.Before(cutoff) {
			if err := s.DeleteSession(ctx, sess.BotID, sess.UserID); err == nil {
				n++
			}
		}
	}
	return n, iter.Err()
}

// GetEndpointRecord returns the stored record, or nil when absent.
func (s *RedisStore) GetEndpointRecord(ctx context.Context, botID, nodeID string) (*models.EndpointRecord, error) {
	var rec models.EndpointRecord
	ok, err := s.getJSON(ctx, redisEndpointKey(botID, nodeID), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// SaveEndpointRecord overwrite-stores the record.
func (s *RedisStore) SaveEndpointRecord(ctx context.Context, record *models.EndpointRecord) error {
	if err := s.setJSON(ctx, redisEndpointKey(record.BotID, record.NodeID), record); err != nil {
		return err
	}
	return s.client.SAdd(ctx, redisEndpointIndexKey, record.BotID+":"+record.NodeID).Err()
}

// SweepEndpointRecords deletes records older than maxAge.
func (s *RedisStore) SweepEndpointRecords(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	n := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"endpoint:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		var rec models.EndpointRecord
		ok, err := s.getJSON(ctx, key, &rec)
		if err != nil || !ok {
			continue
		}
		if rec.ReceivedAt.Before(cutoff) {
			if err := s.client.Del(ctx, key).Err(); err == nil {
				_ = s.client.SRem(ctx, redisEndpointIndexKey, rec.BotID+":"+rec.NodeID).Err()
				n++
			}
		}
	}
	return n, iter.Err()
}

// GetGroupSession returns the stored group, or nil when absent.
func (s *RedisStore) GetGroupSession(ctx context.Context, groupID string) (*models.GroupSession, error) {
	var g models.GroupSession
	ok, err := s.getJSON(ctx, redisGroupKey(groupID), &g)
	if err != nil || !ok {
		return nil, err
	}
	return &g, nil
}

// SaveGroupSession stores the group.
func (s *RedisStore) SaveGroupSession(ctx context.Context, group *models.GroupSession) error {
	return s.setJSON(ctx, redisGroupKey(group.ID), group)
}

// DeleteGroupSession removes the group if present.
func (s *RedisStore) DeleteGroupSession(ctx context.Context, groupID string) error {
	return s.client.Del(ctx, redisGroupKey(groupID)).Err()
}

// GetPeriodicTask returns the stored task, or nil when absent.
func (s *RedisStore) GetPeriodicTask(ctx context.Context, taskID string) (*models.PeriodicTask, error) {
	var t models.PeriodicTask
	ok, err := s.getJSON(ctx, redisTaskKey(taskID), &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

// SavePeriodicTask stores the task and updates the task index.
func (s *RedisStore) SavePeriodicTask(ctx context.Context, task *models.PeriodicTask) error {
	task.UpdatedAt = time.Now()
	if err := s.setJSON(ctx, redisTaskKey(task.ID), task); err != nil {
		return err
	}
	return s.client.SAdd(ctx, redisTaskIndexKey, task.ID).Err()
}

// DeletePeriodicTask removes the task and its index entry.
func (s *RedisStore) DeletePeriodicTask(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, redisTaskKey(taskID)).Err(); err != nil {
		return err
	}
	return s.client.SRem(ctx, redisTaskIndexKey, taskID).Err()
}

// ListPeriodicTasks returns all stored tasks.
func (s *RedisStore) ListPeriodicTasks(ctx context.Context) ([]*models.PeriodicTask, error) {
	ids, err := s.client.SMembers(ctx, redisTaskIndexKey).Result()
	if err != nil {
		return nil, err
	}
	var out []*models.PeriodicTask
	for _, id := range ids {
		t, err := s.GetPeriodicTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			_ = s.client.SRem(ctx, redisTaskIndexKey, id).Err()
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }
