package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/rcvisor/internal/attr"
)

// DB implements attr.Store using PostgreSQL through the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

// New connects using a postgres:// DSN and ensures the schema.
func New(dsn string) (*DB, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty postgres dsn")
	}
	db, err := sql.Open("pgx", d)
	if err != nil {
		return nil, err
	}
	s := &DB{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS service_values(
			service TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY(service, key)
		);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Set(ctx context.Context, service, key, value string) error {
	if err := attr.Validate(service, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_values(service, key, value, updated_at)
		VALUES($1, $2, $3, now())
		ON CONFLICT(service, key) DO UPDATE SET
			value=EXCLUDED.value,
			updated_at=EXCLUDED.updated_at;`,
		service, key, value)
	return err
}

func (s *DB) Get(ctx context.Context, service, key string) (string, bool, error) {
	if err := attr.Validate(service, key); err != nil {
		return "", false, err
	}
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM service_values WHERE service=$1 AND key=$2;`, service, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *DB) List(ctx context.Context, service string) (map[string]string, error) {
	if err := attr.ValidateName(service); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM service_values WHERE service=$1;`, service)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *DB) Delete(ctx context.Context, service, key string) error {
	if err := attr.Validate(service, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM service_values WHERE service=$1 AND key=$2;`, service, key)
	return err
}
