package analytics

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserSetExactUnderCap(t *testing.T) {
	s := NewUserSet(100)
	for i := 0; i < 50; i++ {
		s.Add(HashUser(fmt.Sprintf("user-%d", i)))
	}
	assert.Equal(t, int64(50), s.Count())
	assert.False(t, s.Approximate())
}

func TestUserSetAddIsIdempotent(t *testing.T) {
	s := NewUserSet(100)
	h := HashUser("alice")
	s.Add(h)
	s.Add(h)
	s.Add(HashUser("alice"))
	assert.Equal(t, int64(1), s.Count())
}

func TestUserSetDegradesToEstimatePastCap(t *testing.T) {
	const capN = 64
	s := NewUserSet(capN)
	const n = 5000
	for i := 0; i < n; i++ {
		s.Add(HashUser(fmt.Sprintf("user-%d", i)))
	}
	assert.True(t, s.Approximate())
	assert.Equal(t, capN, s.Len())

	// KMV with k=64 has roughly 1/sqrt(k-1) relative error; allow a
	// generous 40% band so the test cannot flake on hash luck.
	est := float64(s.Count())
	assert.InDelta(t, float64(n), est, 0.4*float64(n))
}

func TestUserSetMergeCommutes(t *testing.T) {
	build := func(ids ...string) *UserSet {
		s := NewUserSet(100)
		for _, id := range ids {
			s.Add(HashUser(id))
		}
		return s
	}

	a1 := build("a", "b", "c")
	b1 := build("c", "d")
	a1.Merge(b1)

	b2 := build("c", "d")
	a2 := build("a", "b", "c")
	b2.Merge(a2)

	assert.Equal(t, a1.Count(), b2.Count())
	assert.Equal(t, a1.HexHashes(), b2.HexHashes())
}

func TestUserSetRoundTrip(t *testing.T) {
	s := NewUserSet(10)
	for _, id := range []string{"a", "b", "c"} {
		s.Add(HashUser(id))
	}

	restored, err := UserSetFromHashes(10, s.HexHashes(), s.Approximate())
	require.NoError(t, err)
	assert.Equal(t, s.Count(), restored.Count())
	assert.Equal(t, s.HexHashes(), restored.HexHashes())
}

func TestUserSetFromHashesRejectsGarbage(t *testing.T) {
	_, err := UserSetFromHashes(10, []string{"not-hex!"}, false)
	assert.Error(t, err)
}

func TestHashUserNeverExposesRawID(t *testing.T) {
	s := NewUserSet(10)
	s.Add(HashUser("secret-user-42"))
	for _, h := range s.HexHashes() {
		assert.NotContains(t, h, "secret")
		assert.Len(t, h, 16)
	}
}
