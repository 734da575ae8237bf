// internal/storage/schema.go
package storage

const (
	tableItems  = "items"
	tableLoans  = "loans"
	tableLedger = "applied_ops"

	colItemID     = "item_id"
	colBranchID   = "branch_id"
	colTitle      = "title"
	colTotal      = "total_copies"
	colAvailable  = "available_copies"
	colLoanID     = "loan_id"
	colRequestID  = "request_id"
	colUserID     = "user_id"
	colStartedAt  = "started_at"
	colDueAt      = "due_at"
	colReturnedAt = "returned_at"
	colState      = "state"
	colKey        = "idempotency_key"
	colOp         = "op"
	colAppliedAt  = "applied_at"
)

// Several ACTIVE loans for the same (item, user, branch) are allowed; the
// highest loan_id is the one RETURN and RENEW act on.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS items (
	item_id          TEXT    NOT NULL,
	branch_id        TEXT    NOT NULL,
	title            TEXT    NOT NULL DEFAULT '',
	total_copies     INTEGER NOT NULL CHECK (total_copies >= 0),
	available_copies INTEGER NOT NULL CHECK (available_copies >= 0 AND available_copies <= total_copies),
	PRIMARY KEY (item_id, branch_id)
);

CREATE TABLE IF NOT EXISTS loans (
	loan_id     BIGSERIAL   PRIMARY KEY,
	request_id  TEXT        NOT NULL DEFAULT '',
	user_id     TEXT        NOT NULL,
	item_id     TEXT        NOT NULL,
	branch_id   TEXT        NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	due_at      TIMESTAMPTZ NOT NULL,
	returned_at TIMESTAMPTZ,
	state       TEXT        NOT NULL CHECK (state IN ('ACTIVE', 'RETURNED'))
);

CREATE INDEX IF NOT EXISTS loans_active_lookup_idx
	ON loans (item_id, user_id, branch_id, loan_id DESC)
	WHERE state = 'ACTIVE';

CREATE TABLE IF NOT EXISTS applied_ops (
	idempotency_key TEXT        PRIMARY KEY,
	op              TEXT        NOT NULL,
	request_id      TEXT        NOT NULL DEFAULT '',
	applied_at      TIMESTAMPTZ NOT NULL
);
`

const truncateSQL = `TRUNCATE TABLE applied_ops, loans, items RESTART IDENTITY`
