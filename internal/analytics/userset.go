package analytics

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"golang.org/x/crypto/sha3"
)

// UserSet is a bounded deduplicated set of hashed user IDs. Up to its
// cardinality cap it is exact; beyond the cap it degrades to a
// K-minimum-values sketch over the same hashes (keep the cap smallest,
// estimate cardinality from the k-th minimum) and flags itself
// approximate. Raw user IDs are never stored, only sha3 hashes.
type UserSet struct {
	cap         int
	hashes      []uint64 // sorted ascending, len <= cap
	approximate bool
}

// HashUser maps a raw user ID to its stored 64-bit hash.
func HashUser(userID string) uint64 {
	sum := sha3.Sum256([]byte(userID))
	return binary.BigEndian.Uint64(sum[:8])
}

// NewUserSet returns an empty set with the given cardinality cap.
func NewUserSet(capacity int) *UserSet {
	if capacity < 1 {
		capacity = 1
	}
	return &UserSet{cap: capacity}
}

// UserSetFromHashes rebuilds a set from stored state (hex hashes plus
// the persisted approximate flag).
func UserSetFromHashes(capacity int, hexHashes []string, approximate bool) (*UserSet, error) {
	s := NewUserSet(capacity)
	s.approximate = approximate
	for _, h := range hexHashes {
		var v uint64
		if _, err := fmt.Sscanf(h, "%016x", &v); err != nil {
			return nil, fmt.Errorf("invalid user hash %q: %w", h, err)
		}
		s.Add(v)
	}
	return s, nil
}

// Add inserts a hash. Adding a hash that is already a member is a
// no-op, which is what makes user counting idempotent under
// at-least-once delivery.
func (s *UserSet) Add(h uint64) {
	i := sort.Search(len(s.hashes), func(i int) bool { return s.hashes[i] >= h })
	if i < len(s.hashes) && s.hashes[i] == h {
		return
	}
	if len(s.hashes) < s.cap {
		s.hashes = append(s.hashes, 0)
		copy(s.hashes[i+1:], s.hashes[i:])
		s.hashes[i] = h
		return
	}

	// At capacity: switch to sketch mode. Keep the cap smallest
	// hashes so the k-th minimum stays a valid KMV estimator.
	s.approximate = true
	if h >= s.hashes[len(s.hashes)-1] {
		return
	}
	copy(s.hashes[i+1:], s.hashes[i:len(s.hashes)-1])
	s.hashes[i] = h
}

// Merge unions another set into s. Merging is commutative and
// idempotent; the result is approximate if either input was, or if the
// union overflowed the cap.
func (s *UserSet) Merge(o *UserSet) {
	if o == nil {
		return
	}
	if o.approximate {
		s.approximate = true
	}
	for _, h := range o.hashes {
		s.Add(h)
	}
}

// Count returns the exact cardinality, or the KMV estimate once the
// set has overflowed its cap.
func (s *UserSet) Count() int64 {
	n := len(s.hashes)
	if !s.approximate || n == 0 {
		return int64(n)
	}
	kth := s.hashes[n-1]
	if kth == 0 {
		return int64(n)
	}
	est := float64(n-1) * math.Ldexp(1, 64) / float64(kth)
	if est < float64(n) {
		return int64(n)
	}
	return int64(est + 0.5)
}

// Approximate reports whether Count is an estimate rather than exact.
func (s *UserSet) Approximate() bool {
	return s.approximate
}

// HexHashes returns the stored hashes for persistence, sorted ascending.
func (s *UserSet) HexHashes() []string {
	out := make([]string, len(s.hashes))
	for i, h := range s.hashes {
		out[i] = fmt.Sprintf("%016x", h)
	}
	return out
}

// Len returns the number of stored hashes (not the estimated count).
func (s *UserSet) Len() int {
	return len(s.hashes)
}
