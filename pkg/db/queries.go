package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
)

var ErrAccountIDRequired = errors.New("account_id is required")

var sq = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (d *Database) exec(ctx context.Context, b squirrel.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sql: %w", err)
	}
	res, err := d.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

var orderAuditColumns = []string{"account_id", "exchange", "symbol", "side", "client_order_id", "order_id",
	"requested_qty", "filled_qty", "avg_price", "status", "error_kind", "partial", "reason", "created_at"}

func orderAuditValues(o OrderAudit) []any {
	return []any{o.AccountID, o.Exchange, o.Symbol, o.Side, o.ClientOrderID, o.OrderID,
		o.RequestedQty, o.FilledQty, o.AvgPrice, o.Status, o.ErrorKind, boolInt(o.Partial), o.Reason, millis(o.CreatedAt)}
}

// InsertOrderAudit stores o and returns its row id.
func (d *Database) InsertOrderAudit(ctx context.Context, o OrderAudit) (int64, error) {
	if o.AccountID == "" {
		return 0, ErrAccountIDRequired
	}
	id, err := d.exec(ctx, sq.Insert("order_audit").Columns(orderAuditColumns...).Values(orderAuditValues(o)...))
	if err != nil {
		return 0, fmt.Errorf("insert order audit: %w", err)
	}
	return id, nil
}

// InsertOrderAudits stores rows in one statement; either all are written
// or none.
func (d *Database) InsertOrderAudits(ctx context.Context, rows []OrderAudit) error {
	if len(rows) == 0 {
		return nil
	}
	b := sq.Insert("order_audit").Columns(orderAuditColumns...)
	for _, o := range rows {
		if o.AccountID == "" {
			return ErrAccountIDRequired
		}
		b = b.Values(orderAuditValues(o)...)
	}
	if _, err := d.exec(ctx, b); err != nil {
		return fmt.Errorf("insert %d order audits: %w", len(rows), err)
	}
	return nil
}

// ListOrderAudit returns the newest orders of accountID first.
func (d *Database) ListOrderAudit(ctx context.Context, accountID string, limit int) ([]OrderAudit, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	query, args, err := sq.Select("id", "account_id", "exchange", "symbol", "side", "client_order_id", "order_id",
		"requested_qty", "filled_qty", "avg_price", "status", "error_kind", "partial", "reason", "created_at").
		From("order_audit").
		Where(squirrel.Eq{"account_id": accountID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query order audit: %w", err)
	}
	defer rows.Close()

	var out []OrderAudit
	for rows.Next() {
		var (
			o       OrderAudit
			partial int
			created int64
		)
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Exchange, &o.Symbol, &o.Side, &o.ClientOrderID, &o.OrderID,
			&o.RequestedQty, &o.FilledQty, &o.AvgPrice, &o.Status, &o.ErrorKind, &partial, &o.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan order audit: %w", err)
		}
		o.Partial = partial != 0
		o.CreatedAt = time.UnixMilli(created)
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertReconcileAudit stores r and returns its row id.
func (d *Database) InsertReconcileAudit(ctx context.Context, r ReconcileAudit) (int64, error) {
	if r.AccountID == "" {
		return 0, ErrAccountIDRequired
	}
	id, err := d.exec(ctx, sq.Insert("reconcile_audit").
		Columns("account_id", "exchange", "adopted", "dropped", "adjusted", "detail", "created_at").
		Values(r.AccountID, r.Exchange, r.Adopted, r.Dropped, r.Adjusted, r.Detail, millis(r.CreatedAt)))
	if err != nil {
		return 0, fmt.Errorf("insert reconcile audit: %w", err)
	}
	return id, nil
}

func (d *Database) ListReconcileAudit(ctx context.Context, accountID string, limit int) ([]ReconcileAudit, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	query, args, err := sq.Select("id", "account_id", "exchange", "adopted", "dropped", "adjusted", "detail", "created_at").
		From("reconcile_audit").
		Where(squirrel.Eq{"account_id": accountID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reconcile audit: %w", err)
	}
	defer rows.Close()

	var out []ReconcileAudit
	for rows.Next() {
		var (
			r       ReconcileAudit
			created int64
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Exchange, &r.Adopted, &r.Dropped, &r.Adjusted, &r.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan reconcile audit: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertTransition stores t and returns its row id.
func (d *Database) InsertTransition(ctx context.Context, t TransitionAudit) (int64, error) {
	if t.AccountID == "" {
		return 0, ErrAccountIDRequired
	}
	id, err := d.exec(ctx, sq.Insert("state_transitions").
		Columns("account_id", "from_state", "to_state", "position_count", "position_cap", "over_cap", "forced_unwind", "created_at").
		Values(t.AccountID, t.FromState, t.ToState, t.PositionCount, t.Cap, t.OverCap, boolInt(t.ForcedUnwind), millis(t.CreatedAt)))
	if err != nil {
		return 0, fmt.Errorf("insert state transition: %w", err)
	}
	return id, nil
}

func (d *Database) ListTransitions(ctx context.Context, accountID string, limit int) ([]TransitionAudit, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	query, args, err := sq.Select("id", "account_id", "from_state", "to_state", "position_count", "position_cap",
		"over_cap", "forced_unwind", "created_at").
		From("state_transitions").
		Where(squirrel.Eq{"account_id": accountID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sql: %w", err)
	}
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query state transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionAudit
	for rows.Next() {
		var (
			t       TransitionAudit
			forced  int
			created int64
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.FromState, &t.ToState, &t.PositionCount, &t.Cap,
			&t.OverCap, &forced, &created); err != nil {
			return nil, fmt.Errorf("scan state transition: %w", err)
		}
		t.ForcedUnwind = forced != 0
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	return out, rows.Err()
}
