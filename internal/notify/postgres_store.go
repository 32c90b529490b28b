package notify

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists notification endpoints. The notify_endpoints
// table is created by the migrations.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const endpointColumns = `id, party, url, secret, active, created_at, last_success, last_error`

func (p *PostgresStore) Create(ctx context.Context, ep *Endpoint) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notify_endpoints (id, party, url, secret, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ep.ID, ep.Party, ep.URL, ep.Secret, ep.Active, ep.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM notify_endpoints WHERE id = $1`, id)
	ep, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("endpoint not found")
	}
	return ep, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, party string) ([]*Endpoint, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM notify_endpoints WHERE party = $1 ORDER BY created_at`, party)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var eps []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, ep *Endpoint) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notify_endpoints SET
			active = $1, last_success = $2, last_error = $3
		WHERE id = $4
	`, ep.Active, ep.LastSuccess, nullString(ep.LastError), ep.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("endpoint not found")
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM notify_endpoints WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	ep := &Endpoint{}
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	if err := row.Scan(&ep.ID, &ep.Party, &ep.URL, &ep.Secret,
		&ep.Active, &ep.CreatedAt, &lastSuccess, &lastError); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		ep.LastSuccess = &lastSuccess.Time
	}
	ep.LastError = lastError.String
	return ep, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
