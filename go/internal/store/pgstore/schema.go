package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mcdev12/quizzo/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE SEQUENCE IF NOT EXISTS quizzo_kv_revision;

CREATE TABLE IF NOT EXISTS quizzo_kv (
    path       TEXT PRIMARY KEY,
    value      JSONB NOT NULL,
    revision   BIGINT NOT NULL DEFAULT nextval('quizzo_kv_revision'),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS quizzo_kv_path_prefix ON quizzo_kv (path text_pattern_ops);
CREATE INDEX IF NOT EXISTS quizzo_kv_expires_at ON quizzo_kv (expires_at) WHERE expires_at IS NOT NULL;

CREATE OR REPLACE FUNCTION quizzo_kv_notify() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' THEN
        PERFORM pg_notify('%[1]s', json_build_object(
            'path', OLD.path,
            'op', 'delete',
            'revision', nextval('quizzo_kv_revision'))::text);
        RETURN OLD;
    END IF;
    PERFORM pg_notify('%[1]s', json_build_object(
        'path', NEW.path,
        'op', 'put',
        'revision', NEW.revision)::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS quizzo_kv_notify ON quizzo_kv;
CREATE TRIGGER quizzo_kv_notify
    AFTER INSERT OR UPDATE OR DELETE ON quizzo_kv
    FOR EACH ROW EXECUTE FUNCTION quizzo_kv_notify();
`

// Migrate installs the table, revision sequence and notify trigger in one
// transaction. It is safe to run more than once, also concurrently.
func Migrate(ctx context.Context, db sqlutil.Beginner, channel string) error {
	err := sqlutil.Run(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('quizzo_kv'))`); err != nil {
			return fmt.Errorf("lock schema: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(schema, channel)); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("schema applied")
	return nil
}
