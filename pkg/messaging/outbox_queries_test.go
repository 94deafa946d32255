package messaging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutboxQueriesTargetTable(t *testing.T) {
	q := newOutboxQueries("settlement_outbox")

	for name, sql := range map[string]string{
		"lease":      q.lease,
		"mark sent":  q.markSent,
		"mark retry": q.markRetry,
		"mark dead":  q.markDead,
	} {
		assert.Contains(t, sql, "settlement_outbox", name)
		assert.NotContains(t, sql, "%!", name)
	}

	assert.Equal(t, 2, strings.Count(q.lease, "settlement_outbox"))
	assert.Contains(t, q.lease, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, q.lease, "RETURNING")
	assert.Contains(t, q.markDead, "'dead'")
	assert.NotContains(t, q.markDead, "next_retry")
}
