package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL. Status transitions are
// UPDATE ... WHERE status = expected, checked by affected-row count.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == uniqueViolation
	}
	return false
}

func (p *PostgresStore) CreatePurchase(ctx context.Context, pur *Purchase, txns ...*Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertPurchase(ctx, tx, pur); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePurchase
		}
		return fmt.Errorf("insert purchase: %w", err)
	}

	for _, t := range txns {
		if err := insertTransaction(ctx, tx, t); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) UpgradePurchase(ctx context.Context, pur *Purchase, txns ...*Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The kind guard makes the upgrade a compare-and-set: a concurrent
	// confirmation that already flipped the row to subscription leaves zero
	// rows here, so only one upgrade ever records a debit/credit pair.
	result, err := tx.ExecContext(ctx, `
		UPDATE purchases SET
			kind         = $2,
			price        = $3,
			hold_days    = $4,
			external_ref = $5,
			purchased_at = $6,
			updated_at   = NOW()
		WHERE id = $1 AND kind = 'freemium'
	`, pur.ID, pur.Kind, nullDecimal(pur.Price), nullInt(pur.HoldDays), pur.ExternalRef, pur.PurchasedAt)
	if err != nil {
		return fmt.Errorf("upgrade purchase: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAlreadySubscribed
	}

	for _, t := range txns {
		if err := insertTransaction(ctx, tx, t); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetPurchase(ctx context.Context, buyerID, courseID string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx, purchaseSelect+` WHERE buyer_id = $1 AND course_id = $2`, buyerID, courseID)
	return scanPurchase(row)
}

func (p *PostgresStore) GetPurchaseByID(ctx context.Context, id string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx, purchaseSelect+` WHERE id = $1`, id)
	return scanPurchase(row)
}

func (p *PostgresStore) GetSaleCredit(ctx context.Context, purchaseID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, txnSelect+`
		WHERE purchase_id = $1 AND kind = 'sale_credit'
		ORDER BY created_at DESC LIMIT 1`, purchaseID)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrCreditNotFound
	}
	return t, err
}

func (p *PostgresStore) FindByExternalRef(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, txnSelect+`
		WHERE external_ref = $1
		ORDER BY created_at LIMIT 1`, ref)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownReference
	}
	return t, err
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, txnID string, from, to Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, txnID, from, to)
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrStorageConflict
	}
	return nil
}

func (p *PostgresStore) SettleCredit(ctx context.Context, creditID string, metadata map[string]string, commission *Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			status     = 'credited',
			metadata   = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, creditID, meta)
	if err != nil {
		return fmt.Errorf("settle credit: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrStorageConflict
	}

	if err := insertTransactionTx(ctx, tx, commission); err != nil {
		return fmt.Errorf("insert commission: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) RefundPurchase(ctx context.Context, purchaseID string) (*Transaction, *Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	// Flip the reported credit first: its status is the concurrency guard.
	creditRow := tx.QueryRowContext(ctx, `
		UPDATE transactions SET
			status     = 'refunded',
			amount     = -amount,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM transactions
			WHERE purchase_id = $1 AND kind = 'sale_credit' AND status = 'reported'
			ORDER BY created_at DESC LIMIT 1
		)
		RETURNING `+txnColumns, purchaseID)
	credit, err := scanTransaction(creditRow)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotRefundable
	}
	if err != nil {
		return nil, nil, fmt.Errorf("refund credit: %w", err)
	}

	debitRow := tx.QueryRowContext(ctx, `
		UPDATE transactions SET
			status     = 'refunded',
			amount     = -amount,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM transactions
			WHERE purchase_id = $1 AND kind = 'purchase_debit' AND status = 'completed'
			ORDER BY created_at DESC LIMIT 1
		)
		RETURNING `+txnColumns, purchaseID)
	debit, err := scanTransaction(debitRow)
	if err == sql.ErrNoRows {
		return nil, nil, ErrCreditNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("refund debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

func (p *PostgresStore) ListMatured(ctx context.Context, now time.Time, limit int) ([]*MaturedCredit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+prefixedTxnColumns("t")+`, `+prefixedPurchaseColumns("p")+`
		FROM transactions t
		JOIN purchases p ON p.id = t.purchase_id
		WHERE t.kind = 'sale_credit'
		  AND t.status = 'pending'
		  AND p.hold_days IS NOT NULL
		  AND p.purchased_at + make_interval(days => p.hold_days) < $1
		ORDER BY t.created_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MaturedCredit
	for rows.Next() {
		mc, err := scanMaturedCredit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, txnSelect+`
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumByPurchase(ctx context.Context, purchaseID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE purchase_id = $1
	`, purchaseID).Scan(&sum)
	return sum, err
}

// --- row helpers ---

const purchaseColumns = `id, buyer_id, course_id, seller_id, kind, price, hold_days,
	external_ref, completed, purchased_at, created_at, updated_at`

const purchaseSelect = `SELECT ` + purchaseColumns + ` FROM purchases`

const txnColumns = `id, user_id, kind, amount, status, purchase_id, external_ref,
	metadata, created_at, updated_at`

const txnSelect = `SELECT ` + txnColumns + ` FROM transactions`

func prefixedTxnColumns(alias string) string {
	return alias + `.id, ` + alias + `.user_id, ` + alias + `.kind, ` + alias + `.amount, ` +
		alias + `.status, ` + alias + `.purchase_id, ` + alias + `.external_ref, ` +
		alias + `.metadata, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func prefixedPurchaseColumns(alias string) string {
	return alias + `.id, ` + alias + `.buyer_id, ` + alias + `.course_id, ` + alias + `.seller_id, ` +
		alias + `.kind, ` + alias + `.price, ` + alias + `.hold_days, ` + alias + `.external_ref, ` +
		alias + `.completed, ` + alias + `.purchased_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPurchase(ctx context.Context, db execer, p *Purchase) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO purchases (id, buyer_id, course_id, seller_id, kind, price, hold_days,
			external_ref, completed, purchased_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, p.ID, p.BuyerID, p.CourseID, p.SellerID, p.Kind, nullDecimal(p.Price),
		nullInt(p.HoldDays), nullString(p.ExternalRef), p.Completed, p.PurchasedAt)
	return err
}

func insertTransaction(ctx context.Context, db execer, t *Transaction) error {
	return insertTransactionTx(ctx, db, t)
}

func insertTransactionTx(ctx context.Context, db execer, t *Transaction) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if t.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, kind, amount, status, purchase_id,
			external_ref, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, t.ID, t.UserID, t.Kind, t.Amount, t.Status, nullString(t.PurchaseID),
		nullString(t.ExternalRef), meta)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*Purchase, error) {
	p := &Purchase{}
	var price decimal.NullDecimal
	var holdDays sql.NullInt64
	var externalRef sql.NullString

	err := row.Scan(&p.ID, &p.BuyerID, &p.CourseID, &p.SellerID, &p.Kind, &price,
		&holdDays, &externalRef, &p.Completed, &p.PurchasedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, err
	}

	if price.Valid {
		p.Price = &price.Decimal
	}
	if holdDays.Valid {
		d := int(holdDays.Int64)
		p.HoldDays = &d
	}
	p.ExternalRef = externalRef.String
	return p, nil
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var purchaseID, externalRef sql.NullString
	var meta []byte

	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Status, &purchaseID,
		&externalRef, &meta, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.PurchaseID = purchaseID.String
	t.ExternalRef = externalRef.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(t.Metadata) == 0 {
		t.Metadata = nil
	}
	return t, nil
}

func scanMaturedCredit(row rowScanner) (*MaturedCredit, error) {
	t := &Transaction{}
	p := &Purchase{}
	var txnPurchaseID, txnExternalRef sql.NullString
	var meta []byte
	var price decimal.NullDecimal
	var holdDays sql.NullInt64
	var purExternalRef sql.NullString

	err := row.Scan(
		&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Status, &txnPurchaseID,
		&txnExternalRef, &meta, &t.CreatedAt, &t.UpdatedAt,
		&p.ID, &p.BuyerID, &p.CourseID, &p.SellerID, &p.Kind, &price, &holdDays,
		&purExternalRef, &p.Completed, &p.PurchasedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.PurchaseID = txnPurchaseID.String
	t.ExternalRef = txnExternalRef.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if price.Valid {
		p.Price = &price.Decimal
	}
	if holdDays.Valid {
		d := int(holdDays.Int64)
		p.HoldDays = &d
	}
	p.ExternalRef = purExternalRef.String
	return &MaturedCredit{Credit: t, Purchase: p}, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
