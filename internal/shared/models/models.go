package models

import "time"

// BillingSnapshot is the pay-as-you-go state of a workspace. Money is in
// micro-cents except limits and triggers, which are whole dollars.
type BillingSnapshot struct {
	Balance                 int64
	PaymentMethodID         string
	MonthlyLimit            *int64
	MonthlyUsage            int64
	TimeMonthlyUsageUpdated *time.Time
	ReloadTrigger           *int64
	TimeReloadLockedTill    *time.Time
}

// UserSnapshot is the per-user spend state inside a workspace.
type UserSnapshot struct {
	ID                      string
	MonthlyLimit            *int64
	MonthlyUsage            int64
	TimeMonthlyUsageUpdated *time.Time
}

// SubscriptionSnapshot holds the two subscription usage windows.
type SubscriptionSnapshot struct {
	ID                 string
	RollingUsage       int64
	FixedUsage         int64
	TimeRollingUpdated *time.Time
	TimeFixedUpdated   *time.Time
}

// AuthContext is everything resolved from an API key for one request.
// It is read-only; balances change only through the storage layer.
type AuthContext struct {
	APIKeyID     string
	WorkspaceID  string
	Billing      BillingSnapshot
	User         UserSnapshot
	Subscription *SubscriptionSnapshot
	// BYOKCredentials is the workspace's own key for the model's BYOK provider.
	BYOKCredentials string
	IsFree          bool
	ModelDisabled   bool
}

// IsBYOK reports whether the caller brings their own provider credentials.
func (a *AuthContext) IsBYOK() bool {
	return a != nil && a.BYOKCredentials != ""
}

// UsageRecord is one metered request.
type UsageRecord struct {
	ID                 string
	WorkspaceID        string
	KeyID              string
	UserID             string
	Model              string
	Provider           string
	InputTokens        int
	OutputTokens       int
	ReasoningTokens    int
	CacheReadTokens    int
	CacheWrite5mTokens int
	CacheWrite1hTokens int
	Cost               int64
	// Plan is "sub" for subscription usage and empty otherwise.
	Plan string
}

// UsageCommit is a usage record plus what is needed to roll the billing
// counters forward in the same transaction.
type UsageCommit struct {
	Record        UsageRecord
	Subscription  bool
	IsFree        bool
	WeekStart     time.Time
	RollingWindow time.Duration
}
