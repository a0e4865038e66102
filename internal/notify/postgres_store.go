package notify

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists notification subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the notification_subscriptions table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notification_subscriptions (
			id           VARCHAR(64) PRIMARY KEY,
			party_id     VARCHAR(64) NOT NULL,
			url          TEXT NOT NULL,
			secret       VARCHAR(64) NOT NULL,
			events       JSONB NOT NULL,
			active       BOOLEAN DEFAULT TRUE,
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			last_success TIMESTAMPTZ,
			last_error   TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_notif_subs_party ON notification_subscriptions(party_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO notification_subscriptions (id, party_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.PartyID, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub := &Subscription{}
	var eventsJSON []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT id, party_id, url, secret, events, active, created_at, last_success, last_error
		FROM notification_subscriptions WHERE id = $1
	`, id).Scan(
		&sub.ID, &sub.PartyID, &sub.URL, &sub.Secret, &eventsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String

	return sub, nil
}

func (p *PostgresStore) GetByParty(ctx context.Context, partyID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, party_id, url, secret, events, active, created_at, last_success, last_error
		FROM notification_subscriptions WHERE party_id = $1 ORDER BY created_at DESC
	`, partyID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var eventsJSON []byte
		var lastSuccess sql.NullTime
		var lastError sql.NullString

		if err := rows.Scan(
			&sub.ID, &sub.PartyID, &sub.URL, &sub.Secret, &eventsJSON,
			&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
			return nil, err
		}
		if lastSuccess.Valid {
			sub.LastSuccess = &lastSuccess.Time
		}
		sub.LastError = lastError.String

		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE notification_subscriptions SET
			active = $1,
			last_success = $2,
			last_error = $3
		WHERE id = $4
	`, sub.Active, sub.LastSuccess, sub.LastError, sub.ID)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM notification_subscriptions WHERE id = $1`, id)
	return err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
