package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/meshcore/internal/model"
)

func TestValidateAgentID(t *testing.T) {
	valid := []string{
		"a",
		"billing-agent",
		"agent_7",
		"worker@prod",
		"com.example.Agent-v2",
		strings.Repeat("x", 255),
	}
	for _, id := range valid {
		assert.NoError(t, model.ValidateAgentID(id), "id %q", id)
	}

	invalid := []string{
		"",
		strings.Repeat("x", 256),
		"has space",
		"slash/agent",
		"tab\tagent",
		"unicode-é",
		"colon:agent",
	}
	for _, id := range invalid {
		assert.Error(t, model.ValidateAgentID(id), "id %q", id)
	}
}

func TestValidateInstanceID(t *testing.T) {
	valid := []string{
		"conn-1",
		"ws://node-3#42",
		"a:b:c",
		strings.Repeat("y", 255),
	}
	for _, id := range valid {
		assert.NoError(t, model.ValidateInstanceID(id), "id %q", id)
	}

	invalid := []string{
		"",
		strings.Repeat("y", 256),
		"has space",
		"line\nbreak",
		"bell\x07",
		"high\x80byte",
	}
	for _, id := range invalid {
		assert.Error(t, model.ValidateInstanceID(id), "id %q", id)
	}
}

func TestCacheEntryExpired(t *testing.T) {
	now := time.Now()

	var e model.CacheEntry
	assert.False(t, e.Expired(now), "no expiry never expires")

	past := now.Add(-time.Minute)
	e.ExpiresAt = &past
	assert.True(t, e.Expired(now))

	future := now.Add(time.Minute)
	e.ExpiresAt = &future
	assert.False(t, e.Expired(now))

	require.True(t, e.Expired(future.Add(time.Second)))
}
