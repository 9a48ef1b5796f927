package dispute

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coursepay/coursepay/internal/ledger"
	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed report store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reportColumns = `id, buyer_id, course_id, purchase_id, status, reason,
	resolved, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, r *Report) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reports (id, buyer_id, course_id, purchase_id, status, reason,
			resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.BuyerID, r.CourseID, r.PurchaseID, r.Status, r.Reason, r.Resolved, r.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateReport
		}
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Report, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	return scanReport(row)
}

func (p *PostgresStore) GetByPair(ctx context.Context, buyerID, courseID string) (*Report, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+` FROM reports WHERE buyer_id = $1 AND course_id = $2
	`, buyerID, courseID)
	return scanReport(row)
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, to Status, resolvedAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reports SET status = $2, resolved = TRUE, resolved_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, to, resolvedAt)
	if err != nil {
		return fmt.Errorf("resolve report: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ledger.ErrStorageConflict
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Report, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reportColumns+` FROM reports
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*Report, error) {
	r := &Report{}
	var resolvedAt sql.NullTime

	err := row.Scan(&r.ID, &r.BuyerID, &r.CourseID, &r.PurchaseID, &r.Status,
		&r.Reason, &r.Resolved, &r.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return r, nil
}
