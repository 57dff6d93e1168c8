package directory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/duet-app/duet-realtime/pkg/wire"
)

// Postgres implements Users and Relationships against the directory
// database. The schema is owned by the directory service; this adapter only
// reads it, plus the single status write-back the presence core is allowed.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens an instrumented connection to the directory database.
// It does not ping; callers own the retry loop.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("open directory database: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) GetUserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, username, relationship_id, status FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.RelationshipID, (*string)(&u.Status))
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id string, status wire.PresenceStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET status = $2, status_updated_at = now() WHERE id = $1`, id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update status for user %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ServiceCredentials returns every backend service account, username to
// password. Consumed by the authorizer's credential cache.
func (p *Postgres) ServiceCredentials(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT username, password FROM service_accounts`)
	if err != nil {
		return nil, fmt.Errorf("list service accounts: %w", err)
	}
	defer rows.Close()

	accounts := make(map[string]string)
	for rows.Next() {
		var username, password string
		if err := rows.Scan(&username, &password); err != nil {
			return nil, fmt.Errorf("scan service account: %w", err)
		}
		accounts[username] = password
	}
	return accounts, rows.Err()
}

func (p *Postgres) GetRelationshipByID(ctx context.Context, id string) (Relationship, error) {
	var partner1, partner2 string
	err := p.db.QueryRowContext(ctx,
		`SELECT partner1, partner2 FROM relationships WHERE id = $1`, id,
	).Scan(&partner1, &partner2)
	if err == sql.ErrNoRows {
		return Relationship{}, ErrNotFound
	}
	if err != nil {
		return Relationship{}, fmt.Errorf("get relationship %s: %w", id, err)
	}
	return Relationship{ID: id, Participants: []string{partner1, partner2}}, nil
}
