package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// ErrKeyNotFound is returned when no active key matches.
var ErrKeyNotFound = errors.New("invalid API key")

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewFromConn wraps an existing connection pool.
func NewFromConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// HashKey returns the stored form of a raw API key.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

const authenticateQuery = `
	SELECT k.id, k.workspace_id,
	       b.balance, b.payment_method_id, b.monthly_limit, b.monthly_usage,
	       b.monthly_usage_updated_at, b.reload_trigger, b.reload_locked_till,
	       u.id, u.monthly_limit, u.monthly_usage, u.monthly_usage_updated_at,
	       s.id, s.rolling_usage, s.fixed_usage, s.rolling_updated_at, s.fixed_updated_at,
	       p.credentials,
	       m.created_at
	FROM api_keys k
	JOIN workspaces w ON w.id = k.workspace_id
	JOIN billing b ON b.workspace_id = k.workspace_id
	JOIN users u ON u.workspace_id = k.workspace_id AND u.id = k.user_id
	LEFT JOIN workspace_models m ON m.workspace_id = k.workspace_id AND m.model = $2
	LEFT JOIN byok_providers p ON p.workspace_id = k.workspace_id AND p.provider = $3 AND $3 <> ''
	LEFT JOIN subscriptions s ON s.workspace_id = k.workspace_id AND s.user_id = k.user_id
	      AND s.deleted_at IS NULL
	WHERE k.key_hash = $1 AND k.deleted_at IS NULL
	LIMIT 1
`

// Authenticate resolves a raw API key to its workspace, billing, user and
// subscription snapshots. byokProvider selects which workspace credential is
// joined; a workspace_models row for modelID marks the model disabled.
func (db *DB) Authenticate(ctx context.Context, rawKey, modelID, byokProvider string) (*models.AuthContext, error) {
	var (
		a                                     models.AuthContext
		paymentMethod, subID, creds           sql.NullString
		monthlyLimit, reloadTrigger, userLim  sql.NullInt64
		rollingUsage, fixedUsage              sql.NullInt64
		monthlyUpdated, lockedTill, userUpd   sql.NullTime
		rollingUpdated, fixedUpdated, disable sql.NullTime
	)

	err := db.conn.QueryRowContext(ctx, authenticateQuery, HashKey(rawKey), modelID, byokProvider).Scan(
		&a.APIKeyID,
		&a.WorkspaceID,
		&a.Billing.Balance,
		&paymentMethod,
		&monthlyLimit,
		&a.Billing.MonthlyUsage,
		&monthlyUpdated,
		&reloadTrigger,
		&lockedTill,
		&a.User.ID,
		&userLim,
		&a.User.MonthlyUsage,
		&userUpd,
		&subID,
		&rollingUsage,
		&fixedUsage,
		&rollingUpdated,
		&fixedUpdated,
		&creds,
		&disable,
	)

	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	a.Billing.PaymentMethodID = paymentMethod.String
	a.Billing.MonthlyLimit = intPtr(monthlyLimit)
	a.Billing.TimeMonthlyUsageUpdated = timePtr(monthlyUpdated)
	a.Billing.ReloadTrigger = intPtr(reloadTrigger)
	a.Billing.TimeReloadLockedTill = timePtr(lockedTill)
	a.User.MonthlyLimit = intPtr(userLim)
	a.User.TimeMonthlyUsageUpdated = timePtr(userUpd)
	if subID.Valid {
		a.Subscription = &models.SubscriptionSnapshot{
			ID:                 subID.String,
			RollingUsage:       rollingUsage.Int64,
			FixedUsage:         fixedUsage.Int64,
			TimeRollingUpdated: timePtr(rollingUpdated),
			TimeFixedUpdated:   timePtr(fixedUpdated),
		}
	}
	a.BYOKCredentials = creds.String
	a.ModelDisabled = disable.Valid

	return &a, nil
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

const (
	insertUsageQuery = `
		INSERT INTO usage (
			id, workspace_id, key_id, model, provider, input_tokens, output_tokens,
			reasoning_tokens, cache_read_tokens, cache_write_5m_tokens, cache_write_1h_tokens,
			cost, plan
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''))
	`
	touchKeyQuery = `UPDATE api_keys SET last_used_at = NOW() WHERE workspace_id = $1 AND id = $2`

	subscriptionUsageQuery = `
		UPDATE subscriptions SET
			fixed_usage = CASE WHEN fixed_updated_at >= $3 THEN fixed_usage + $1 ELSE $1 END,
			fixed_updated_at = NOW(),
			rolling_usage = CASE WHEN rolling_updated_at >= NOW() - make_interval(secs => $4)
				THEN rolling_usage + $1 ELSE $1 END,
			rolling_updated_at = CASE WHEN rolling_updated_at >= NOW() - make_interval(secs => $4)
				THEN rolling_updated_at ELSE NOW() END
		WHERE workspace_id = $2 AND user_id = $5 AND deleted_at IS NULL
	`
	billingUsageQuery = `
		UPDATE billing SET
			balance = balance - $3,
			monthly_usage = CASE
				WHEN date_trunc('month', monthly_usage_updated_at AT TIME ZONE 'UTC') = date_trunc('month', NOW() AT TIME ZONE 'UTC')
				THEN monthly_usage + $1 ELSE $1 END,
			monthly_usage_updated_at = NOW()
		WHERE workspace_id = $2
	`
	userUsageQuery = `
		UPDATE users SET
			monthly_usage = CASE
				WHEN date_trunc('month', monthly_usage_updated_at AT TIME ZONE 'UTC') = date_trunc('month', NOW() AT TIME ZONE 'UTC')
				THEN monthly_usage + $1 ELSE $1 END,
			monthly_usage_updated_at = NOW()
		WHERE workspace_id = $2 AND id = $3
	`
)

// CommitUsage writes the usage row and rolls the key, billing, user or
// subscription counters forward in one transaction. Counter resets for a new
// month or window happen inside the UPDATE so concurrent requests race safely.
func (db *DB) CommitUsage(ctx context.Context, c models.UsageCommit) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage commit: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	r := c.Record
	if _, err = tx.ExecContext(ctx, insertUsageQuery,
		r.ID,
		r.WorkspaceID,
		r.KeyID,
		r.Model,
		r.Provider,
		r.InputTokens,
		r.OutputTokens,
		r.ReasoningTokens,
		r.CacheReadTokens,
		r.CacheWrite5mTokens,
		r.CacheWrite1hTokens,
		r.Cost,
		r.Plan,
	); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}

	if _, err = tx.ExecContext(ctx, touchKeyQuery, r.WorkspaceID, r.KeyID); err != nil {
		return fmt.Errorf("update key last used: %w", err)
	}

	if c.Subscription {
		if _, err = tx.ExecContext(ctx, subscriptionUsageQuery,
			r.Cost, r.WorkspaceID, c.WeekStart, int64(c.RollingWindow.Seconds()), r.UserID,
		); err != nil {
			return fmt.Errorf("update subscription usage: %w", err)
		}
	} else {
		charge := r.Cost
		if c.IsFree {
			charge = 0
		}
		if _, err = tx.ExecContext(ctx, billingUsageQuery, r.Cost, r.WorkspaceID, charge); err != nil {
			return fmt.Errorf("update billing usage: %w", err)
		}
		if _, err = tx.ExecContext(ctx, userUsageQuery, r.Cost, r.WorkspaceID, r.UserID); err != nil {
			return fmt.Errorf("update user usage: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

const reloadLockQuery = `
	UPDATE billing SET reload_locked_till = NOW() + make_interval(secs => $3)
	WHERE workspace_id = $1
	  AND reload = true
	  AND balance < $2
	  AND (reload_locked_till IS NULL OR reload_locked_till < NOW())
`

// AcquireReloadLock sets a short reload lock when the workspace has reload
// enabled, is under the trigger and holds no live lock. It reports whether
// this caller got the lock.
func (db *DB) AcquireReloadLock(ctx context.Context, workspaceID string, trigger int64, lockFor time.Duration) (bool, error) {
	res, err := db.conn.ExecContext(ctx, reloadLockQuery, workspaceID, trigger, int64(lockFor.Seconds()))
	if err != nil {
		return false, fmt.Errorf("acquire reload lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
