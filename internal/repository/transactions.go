package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveTransactions stores a batch of transactions with tenant isolation.
// Transactions already present are left unchanged.
func (r *SQLRepository) SaveTransactions(ctx context.Context, tenantID string, txs []*domain.Transaction) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	query := r.rebind(`
		INSERT INTO transactions (
			id, tenant_id, scope_id, actor_id, secondary_actor_id, customer_id,
			amount, discount_amount, discount_reason, payment_method,
			timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO NOTHING
	`)

	for _, tx := range txs {
		if tx.ID == "" || tx.ScopeID == "" || tx.ActorID == "" {
			return fmt.Errorf("%w: transaction requires id, scope and actor", domain.ErrInvalidInput)
		}
		metadata, err := encode(tx.Metadata)
		if err != nil {
			return err
		}
		createdAt := tx.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		if _, err := dbtx.ExecContext(ctx, query,
			tx.ID, tenantID, tx.ScopeID, tx.ActorID, tx.SecondaryActorID, tx.CustomerID,
			tx.Amount, tx.DiscountAmount, tx.DiscountReason, tx.PaymentMethod,
			tx.Timestamp.UTC(), createdAt.UTC(), metadata,
		); err != nil {
			return fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
		}
	}

	return dbtx.Commit()
}

// ListTransactions returns the transactions of a scope in [from, to), oldest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, tenantID string, scopeID string, from, to time.Time) ([]*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, scope_id, actor_id, secondary_actor_id, customer_id,
			   amount, discount_amount, discount_reason, payment_method,
			   timestamp, created_at, metadata
		FROM transactions
		WHERE tenant_id = ? AND scope_id = ?
		  AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, scopeID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var metadata sql.NullString

		if err := rows.Scan(
			&tx.ID, &tx.TenantID, &tx.ScopeID, &tx.ActorID, &tx.SecondaryActorID, &tx.CustomerID,
			&tx.Amount, &tx.DiscountAmount, &tx.DiscountReason, &tx.PaymentMethod,
			&tx.Timestamp, &tx.CreatedAt, &metadata,
		); err != nil {
			return nil, err
		}
		if err := decode(metadata, &tx.Metadata); err != nil {
			return nil, err
		}
		tx.Timestamp = tx.Timestamp.UTC()
		tx.CreatedAt = tx.CreatedAt.UTC()

		transactions = append(transactions, &tx)
	}

	return transactions, rows.Err()
}

// ListScopes returns the scopes with at least one transaction in [from, to).
func (r *SQLRepository) ListScopes(ctx context.Context, tenantID string, from, to time.Time) ([]string, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT DISTINCT scope_id
		FROM transactions
		WHERE tenant_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY scope_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// SaveActor stores or replaces an actor profile.
func (r *SQLRepository) SaveActor(ctx context.Context, tenantID string, actor *domain.ActorProfile) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	var hiredAt sql.NullTime
	if !actor.HiredAt.IsZero() {
		hiredAt = sql.NullTime{Time: actor.HiredAt.UTC(), Valid: true}
	}

	query := `
		INSERT INTO actors (id, tenant_id, name, role, scope_id, hired_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			scope_id = excluded.scope_id,
			hired_at = excluded.hired_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		actor.ID, tenantID, actor.Name, actor.Role, actor.ScopeID, hiredAt,
	)
	return err
}

// GetActor retrieves an actor profile.
func (r *SQLRepository) GetActor(ctx context.Context, tenantID string, actorID string) (*domain.ActorProfile, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, role, scope_id, hired_at
		FROM actors
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.ActorProfile
	var hiredAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, actorID).Scan(
		&a.ID, &a.TenantID, &a.Name, &a.Role, &a.ScopeID, &hiredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if hiredAt.Valid {
		a.HiredAt = hiredAt.Time.UTC()
	}

	return &a, nil
}
