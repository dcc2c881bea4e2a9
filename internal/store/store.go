// Package store provides storage backends for FlowBot.
//
// It defines the Store interface consumed by the flow interpreter, group
// coordinator, endpoint correlator, and periodic scheduler, and ships four
// implementations: in-memory (single process), SQLite, PostgreSQL, and Redis.
package store

import (
	"context"
	"time"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the backend-specific connection string: a file path for SQLite,
	// a postgres:// URL for PostgreSQL, a redis:// URL for Redis.
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithDSN sets the backend connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store is the durable persistence contract of the engine. All methods are
// safe for concurrent use. Get methods return (nil, nil) when no record
// exists.
type Store interface {
	// Sessions
	GetSession(ctx context.Context, botID, userID string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, botID, userID string) error
	ListActiveSessions(ctx context.Context, botID string) ([]*models.Session, error)
	// ListSessionsAtNode returns every session of the bot currently parked
	// at nodeID.
	ListSessionsAtNode(ctx context.Context, botID, nodeID string) ([]*models.Session, error)
	// SweepExpiredSessions deletes sessions idle for longer than maxAge and
	// returns how many were removed.
	SweepExpiredSessions(ctx context.Context, maxAge time.Duration) (int, error)

	// Endpoint records
	GetEndpointRecord(ctx context.Context, botID, nodeID string) (*models.EndpointRecord, error)
	SaveEndpointRecord(ctx context.Context, record *models.EndpointRecord) error
	// SweepEndpointRecords deletes records older than maxAge and returns how
	// many were removed.
	SweepEndpointRecords(ctx context.Context, maxAge time.Duration) (int, error)

	// Group sessions
	GetGroupSession(ctx context.Context, groupID string) (*models.GroupSession, error)
	SaveGroupSession(ctx context.Context, group *models.GroupSession) error
	DeleteGroupSession(ctx context.Context, groupID string) error

	// Periodic tasks
	GetPeriodicTask(ctx context.Context, taskID string) (*models.PeriodicTask, error)
	SavePeriodicTask(ctx context.Context, task *models.PeriodicTask) error
	DeletePeriodicTask(ctx context.Context, taskID string) error
	ListPeriodicTasks(ctx context.Context) ([]*models.PeriodicTask, error)

	Close() error
}
