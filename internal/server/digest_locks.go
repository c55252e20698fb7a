package server

import (
	"hash/fnv"
	"sync"
)

const digestLockStripes = 64

// digestLocks serializes byte-store work per digest. Reference-count
// mutations are already atomic in SQL; these locks close the window between
// a sweep's record delete and a concurrent re-ingest of the same content
// touching the same physical object.
type digestLocks struct {
	stripes [digestLockStripes]sync.Mutex
}

func newDigestLocks() *digestLocks {
	return &digestLocks{}
}

func (l *digestLocks) lock(digest string) func() {
	if l == nil {
		return func() {}
	}
	m := &l.stripes[stripeIndex(digest)]
	m.Lock()
	return m.Unlock
}

func stripeIndex(digest string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(digest))
	return int(h.Sum32() % digestLockStripes)
}
