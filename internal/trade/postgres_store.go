package trade

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists trade records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the trades table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trades (
			id                    VARCHAR(64) PRIMARY KEY,
			buyer_id              VARCHAR(64) NOT NULL,
			seller_id             VARCHAR(64) NOT NULL,
			product_name          TEXT NOT NULL,
			product_quantity      INTEGER NOT NULL,
			product_value_cents   BIGINT NOT NULL DEFAULT 0,
			product_description   TEXT,
			product_photo_refs    JSONB NOT NULL DEFAULT '[]',
			amount_cents          BIGINT NOT NULL,
			currency              VARCHAR(8) NOT NULL,
			escrow_status         VARCHAR(16) NOT NULL,
			released_bps          INTEGER NOT NULL DEFAULT 0,
			hold_id               TEXT,
			funding_handle        TEXT,
			funded_at             TIMESTAMPTZ,
			released_at           TIMESTAMPTZ,
			verification_status   VARCHAR(24) NOT NULL,
			inspector_id          VARCHAR(64),
			inspection_report_ref TEXT,
			inspection_photo_refs JSONB NOT NULL DEFAULT '[]',
			shipping_status       VARCHAR(16) NOT NULL,
			tracking_number       TEXT,
			carrier               TEXT,
			t_buyer_paid          TIMESTAMPTZ,
			t_seller_delivered    TIMESTAMPTZ,
			t_verified            TIMESTAMPTZ,
			t_shipped             TIMESTAMPTZ,
			t_seller_paid         TIMESTAMPTZ,
			status                VARCHAR(16) NOT NULL,
			is_disputed           BOOLEAN NOT NULL DEFAULT FALSE,
			dispute_reason        TEXT,
			dispute_resolution    TEXT,
			created_at            TIMESTAMPTZ NOT NULL,
			updated_at            TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_buyer ON trades(buyer_id);
		CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades(seller_id);
		CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	productPhotos, _ := json.Marshal(refsOrEmpty(t.Product.PhotoRefs))
	inspectionPhotos, _ := json.Marshal(refsOrEmpty(t.Verification.PhotoRefs))

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, buyer_id, seller_id,
			product_name, product_quantity, product_value_cents, product_description, product_photo_refs,
			amount_cents, currency, escrow_status, released_bps, hold_id, funding_handle, funded_at, released_at,
			verification_status, inspector_id, inspection_report_ref, inspection_photo_refs,
			shipping_status, tracking_number, carrier,
			t_buyer_paid, t_seller_delivered, t_verified, t_shipped, t_seller_paid,
			status, is_disputed, dispute_reason, dispute_resolution,
			created_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23,
			$24, $25, $26, $27, $28,
			$29, $30, $31, $32,
			$33, $34
		)`,
		t.ID, t.BuyerID, t.SellerID,
		t.Product.Name, t.Product.Quantity, t.Product.DeclaredValueCents,
		nullString(t.Product.Description), productPhotos,
		t.Escrow.AmountCents, t.Escrow.Currency, string(t.Escrow.Status), t.Escrow.ReleasedBps,
		nullString(t.Escrow.HoldID), nullString(t.Escrow.FundingHandle),
		nullTime(t.Escrow.FundedAt), nullTime(t.Escrow.ReleasedAt),
		string(t.Verification.Status), nullString(t.Verification.InspectorID),
		nullString(t.Verification.ReportRef), inspectionPhotos,
		string(t.Shipping.Status), nullString(t.Shipping.TrackingNumber), nullString(t.Shipping.Carrier),
		nullTime(t.Timeline.BuyerPaid), nullTime(t.Timeline.SellerDelivered),
		nullTime(t.Timeline.Verified), nullTime(t.Timeline.Shipped), nullTime(t.Timeline.SellerPaid),
		string(t.Status), t.Dispute.IsDisputed,
		nullString(t.Dispute.Reason), nullString(t.Dispute.Resolution),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const tradeColumns = `id, buyer_id, seller_id,
		product_name, product_quantity, product_value_cents, product_description, product_photo_refs,
		amount_cents, currency, escrow_status, released_bps, hold_id, funding_handle, funded_at, released_at,
		verification_status, inspector_id, inspection_report_ref, inspection_photo_refs,
		shipping_status, tracking_number, carrier,
		t_buyer_paid, t_seller_delivered, t_verified, t_shipped, t_seller_paid,
		status, is_disputed, dispute_reason, dispute_resolution,
		created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

// UpdateIf writes the trade only when the stored row still matches expect.
// The guard columns are appended to the WHERE clause, so the check and the
// write are a single atomic statement.
func (p *PostgresStore) UpdateIf(ctx context.Context, t *Trade, expect Expect) error {
	inspectionPhotos, _ := json.Marshal(refsOrEmpty(t.Verification.PhotoRefs))

	query := `
		UPDATE trades SET
			escrow_status = $1, released_bps = $2, hold_id = $3, funding_handle = $4,
			funded_at = $5, released_at = $6,
			verification_status = $7, inspector_id = $8, inspection_report_ref = $9, inspection_photo_refs = $10,
			shipping_status = $11, tracking_number = $12, carrier = $13,
			t_buyer_paid = $14, t_seller_delivered = $15, t_verified = $16, t_shipped = $17, t_seller_paid = $18,
			status = $19, is_disputed = $20, dispute_reason = $21, dispute_resolution = $22,
			updated_at = $23
		WHERE id = $24`
	args := []interface{}{
		string(t.Escrow.Status), t.Escrow.ReleasedBps,
		nullString(t.Escrow.HoldID), nullString(t.Escrow.FundingHandle),
		nullTime(t.Escrow.FundedAt), nullTime(t.Escrow.ReleasedAt),
		string(t.Verification.Status), nullString(t.Verification.InspectorID),
		nullString(t.Verification.ReportRef), inspectionPhotos,
		string(t.Shipping.Status), nullString(t.Shipping.TrackingNumber), nullString(t.Shipping.Carrier),
		nullTime(t.Timeline.BuyerPaid), nullTime(t.Timeline.SellerDelivered),
		nullTime(t.Timeline.Verified), nullTime(t.Timeline.Shipped), nullTime(t.Timeline.SellerPaid),
		string(t.Status), t.Dispute.IsDisputed,
		nullString(t.Dispute.Reason), nullString(t.Dispute.Resolution),
		t.UpdatedAt, t.ID,
	}

	if expect.Status != nil {
		args = append(args, string(*expect.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if expect.EscrowStatus != nil {
		args = append(args, string(*expect.EscrowStatus))
		query += fmt.Sprintf(" AND escrow_status = $%d", len(args))
	}
	if expect.VerificationStatus != nil {
		args = append(args, string(*expect.VerificationStatus))
		query += fmt.Sprintf(" AND verification_status = $%d", len(args))
	}
	if expect.ShippingStatus != nil {
		args = append(args, string(*expect.ShippingStatus))
		query += fmt.Sprintf(" AND shipping_status = $%d", len(args))
	}
	if expect.ReleasedBps != nil {
		args = append(args, *expect.ReleasedBps)
		query += fmt.Sprintf(" AND released_bps = $%d", len(args))
	}
	if expect.IsDisputed != nil {
		args = append(args, *expect.IsDisputed)
		query += fmt.Sprintf(" AND is_disputed = $%d", len(args))
	}

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a lost race from a missing row.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTradeNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int, opts ...ListOption) ([]*Trade, error) {
	o := applyListOpts(opts)

	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []interface{}{partyID}

	if o.cursor != nil {
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListStaleDrafts(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = 'draft'
		  AND hold_id IS NOT NULL
		  AND created_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		productDesc       sql.NullString
		productPhotos     []byte
		escrowStatus      string
		holdID            sql.NullString
		fundingHandle     sql.NullString
		fundedAt          sql.NullTime
		releasedAt        sql.NullTime
		verifStatus       string
		inspectorID       sql.NullString
		reportRef         sql.NullString
		inspectionPhotos  []byte
		shippingStatus    string
		trackingNumber    sql.NullString
		carrier           sql.NullString
		tBuyerPaid        sql.NullTime
		tSellerDelivered  sql.NullTime
		tVerified         sql.NullTime
		tShipped          sql.NullTime
		tSellerPaid       sql.NullTime
		status            string
		disputeReason     sql.NullString
		disputeResolution sql.NullString
	)

	err := s.Scan(
		&t.ID, &t.BuyerID, &t.SellerID,
		&t.Product.Name, &t.Product.Quantity, &t.Product.DeclaredValueCents, &productDesc, &productPhotos,
		&t.Escrow.AmountCents, &t.Escrow.Currency, &escrowStatus, &t.Escrow.ReleasedBps,
		&holdID, &fundingHandle, &fundedAt, &releasedAt,
		&verifStatus, &inspectorID, &reportRef, &inspectionPhotos,
		&shippingStatus, &trackingNumber, &carrier,
		&tBuyerPaid, &tSellerDelivered, &tVerified, &tShipped, &tSellerPaid,
		&status, &t.Dispute.IsDisputed, &disputeReason, &disputeResolution,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Product.Description = productDesc.String
	t.Escrow.Status = EscrowStatus(escrowStatus)
	t.Escrow.HoldID = holdID.String
	t.Escrow.FundingHandle = fundingHandle.String
	t.Verification.Status = VerificationStatus(verifStatus)
	t.Verification.InspectorID = inspectorID.String
	t.Verification.ReportRef = reportRef.String
	t.Shipping.Status = ShippingStatus(shippingStatus)
	t.Shipping.TrackingNumber = trackingNumber.String
	t.Shipping.Carrier = carrier.String
	t.Status = Status(status)
	t.Dispute.Reason = disputeReason.String
	t.Dispute.Resolution = disputeResolution.String

	if fundedAt.Valid {
		t.Escrow.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		t.Escrow.ReleasedAt = &releasedAt.Time
	}
	if tBuyerPaid.Valid {
		t.Timeline.BuyerPaid = &tBuyerPaid.Time
	}
	if tSellerDelivered.Valid {
		t.Timeline.SellerDelivered = &tSellerDelivered.Time
	}
	if tVerified.Valid {
		t.Timeline.Verified = &tVerified.Time
	}
	if tShipped.Valid {
		t.Timeline.Shipped = &tShipped.Time
	}
	if tSellerPaid.Valid {
		t.Timeline.SellerPaid = &tSellerPaid.Time
	}
	if len(productPhotos) > 0 {
		_ = json.Unmarshal(productPhotos, &t.Product.PhotoRefs)
	}
	if len(inspectionPhotos) > 0 {
		_ = json.Unmarshal(inspectionPhotos, &t.Verification.PhotoRefs)
	}

	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func refsOrEmpty(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
