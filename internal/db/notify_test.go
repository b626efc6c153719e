package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecodeChange(t *testing.T) {
	t.Parallel()

	change, ok := decodeChange(`{"kind":"node.upserted","family_id":"fam-1","target":"Person:p1","version":3}`)
	assert.True(t, ok)
	assert.Equal(t, "fam-1", change.FamilyID)
	assert.Equal(t, int64(3), change.Version)

	_, ok = decodeChange(`{"kind":"node.upserted","target":"Provider:x"}`)
	assert.False(t, ok, "changes without a family are dropped")

	_, ok = decodeChange(`not json`)
	assert.False(t, ok)
}

func TestNextBackoffCapped(t *testing.T) {
	t.Parallel()

	b := initialBackoff
	for range 20 {
		b = nextBackoff(b)
		assert.LessOrEqual(t, b, time.Duration(float64(maxBackoff)*1.25))
	}
}
