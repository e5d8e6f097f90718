package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"chat_relay/server/relay/domain"
)

type pgExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const createUsageTableSQL = `
CREATE TABLE IF NOT EXISTS ai_usage_records (
	turn_id        TEXT PRIMARY KEY,
	domain_id      TEXT NOT NULL,
	owner_id       TEXT NOT NULL,
	room_id        TEXT NOT NULL,
	tier           TEXT NOT NULL,
	model          TEXT NOT NULL,
	token_estimate INTEGER NOT NULL,
	credits_used   INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
)`

const insertUsageSQL = `
INSERT INTO ai_usage_records (turn_id, domain_id, owner_id, room_id, tier, model, token_estimate, credits_used, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (turn_id) DO NOTHING`

// PostgresLedger appends usage records. A repeated turn id is ignored, so a
// retried write never charges twice.
type PostgresLedger struct {
	db pgExecer
}

func NewPostgresLedger(db pgExecer) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, createUsageTableSQL); err != nil {
		return fmt.Errorf("create ai_usage_records: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Record(ctx context.Context, rec domain.AIUsageRecord) error {
	_, err := l.db.Exec(ctx, insertUsageSQL,
		rec.TurnID, rec.DomainID, rec.OwnerID, rec.RoomID, string(rec.Tier), rec.Model,
		rec.TokenEstimate, rec.CreditsUsed, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ai usage record: %w", err)
	}
	return nil
}
