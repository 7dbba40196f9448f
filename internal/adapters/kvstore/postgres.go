package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anitrack/anitrack/internal/reporting"
)

type PostgresStore struct {
	db     *sqlx.DB
	schema string
}

// NewPostgresStore expects the schema to be migrated, see database.NewDatabaseMigrator
func NewPostgresStore(db *sqlx.DB, schema string) *PostgresStore {
	return &PostgresStore{db, schema}
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.GetContext(ctx, &value, fmt.Sprintf(`SELECT value
		FROM %s.kv_entries
		WHERE key = $1`,
		pq.QuoteIdentifier(p.schema),
	),
		key,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		err := fmt.Errorf("failed to select kv entry: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"key": key,
		})
		return nil, err
	}

	return value, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s.kv_entries
		(key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key)
		DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`,
		pq.QuoteIdentifier(p.schema),
	),
		key,
		value,
	)
	if err != nil {
		err := fmt.Errorf("failed to upsert kv entry: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"key": key,
		})
		return err
	}

	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s.kv_entries
		WHERE key = $1`,
		pq.QuoteIdentifier(p.schema),
	),
		key,
	)
	if err != nil {
		err := fmt.Errorf("failed to delete kv entry: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"key": key,
		})
		return err
	}

	return nil
}

func (p *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := p.db.SelectContext(ctx, &keys, fmt.Sprintf(`SELECT key
		FROM %s.kv_entries
		WHERE key LIKE $1 ESCAPE '\'`,
		pq.QuoteIdentifier(p.schema),
	),
		escapeLike(prefix)+"%",
	)
	if err != nil {
		err := fmt.Errorf("failed to select kv keys: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"prefix": prefix,
		})
		return nil, err
	}

	return keys, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
