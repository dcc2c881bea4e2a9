// Package flow provides the per-session lock table.
package flow

import (
	"hash/fnv"
	"sync"
)

// sessionLockShards is the fixed size of the lock table. Two sessions that
// hash to the same shard serialize against each other; that over-serializes
// slightly but never under-serializes.
const sessionLockShards = 256

// sessionLocks serializes the load → dispatch → persist sequence per
// (bot, user) key. Every execution entry point (inbound event, endpoint
// continuation, periodic firing) acquires the same lock so executions
// against one session never interleave.
type sessionLocks struct {
	shards [sessionLockShards]sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{}
}

// Lock acquires the exclusive section for the key and returns its unlock.
func (l *sessionLocks) Lock(botID, userID string) func() {
	h := fnv.New32a()
	h.Write([]byte(botID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	shard := &l.shards[h.Sum32()%sessionLockShards]
	shard.Lock()
	return shard.Unlock
}
