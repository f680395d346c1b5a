// Package journal persists connection lifecycle events to Postgres in
// batches.
//
// Expected schema:
//
//	CREATE TABLE connection_events (
//	    id          BIGSERIAL PRIMARY KEY,
//	    instance    TEXT NOT NULL,
//	    session_id  TEXT NOT NULL DEFAULT '',
//	    occurred_at TIMESTAMPTZ NOT NULL,
//	    kind        TEXT NOT NULL,
//	    category    TEXT NOT NULL DEFAULT '',
//	    attempt     INT NOT NULL DEFAULT 0,
//	    detail      TEXT NOT NULL DEFAULT ''
//	);
//
// Recording is non-blocking: when the writer's buffer is full, entries
// are dropped and counted rather than stalling the connection path.
package journal
