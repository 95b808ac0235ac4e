package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/prudhvinik1/fieldsync/internal/models"
)

func TestLastWriterWins(t *testing.T) {
	now := time.Now().UTC()
	resolver := LastWriterWins{}

	accept := func(clientTS time.Time) bool {
		return resolver.Accept(models.ChangeRecord{ClientTimestamp: clientTS}, now)
	}

	assert.True(t, accept(now.Add(time.Second)), "newer client write wins")
	assert.True(t, accept(now), "equal timestamps accept the incoming write")
	assert.False(t, accept(now.Add(-time.Second)), "older client write loses")
}
