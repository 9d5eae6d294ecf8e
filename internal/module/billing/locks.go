package billing

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

const lockStripes = 128

// userLocks serialises plan transitions per user. Locks are striped by
// user ID hash; a lock is never held across a gateway call, only around
// local reads and writes.
type userLocks struct {
	stripes [lockStripes]sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{}
}

func (l *userLocks) lock(userID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(userID[:])
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu
}
