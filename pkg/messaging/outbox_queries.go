package messaging

import "fmt"

// outboxQueries holds the statements for one outbox table. The table name is
// trusted configuration, never request input.
type outboxQueries struct {
	lease     string
	markSent  string
	markRetry string
	markDead  string
}

func newOutboxQueries(table string) outboxQueries {
	return outboxQueries{
		// $1 batch size, $2 now, $3 lease expiry.
		lease: fmt.Sprintf(`
			WITH due AS (
				SELECT id
				FROM %[1]s
				WHERE status IN ('pending', 'processing') AND next_retry <= $2
				ORDER BY id
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE %[1]s o
			SET status = 'processing', next_retry = $3, updated_at = NOW()
			FROM due
			WHERE o.id = due.id
			RETURNING o.id, o.event_id::text, o.event_type, o.payload, o.attempts, o.created_at`, table),
		markSent: fmt.Sprintf(`
			UPDATE %s
			SET status = 'sent', last_error = NULL, updated_at = NOW()
			WHERE id = $1`, table),
		// $2 next retry, $3 error text.
		markRetry: fmt.Sprintf(`
			UPDATE %s
			SET status = 'pending', attempts = attempts + 1, next_retry = $2, last_error = $3, updated_at = NOW()
			WHERE id = $1`, table),
		markDead: fmt.Sprintf(`
			UPDATE %s
			SET status = 'dead', attempts = attempts + 1, last_error = $2, updated_at = NOW()
			WHERE id = $1`, table),
	}
}
