package billing

import (
	"fmt"
	"math"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/catalog"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// SubscriptionLimits are the subscription usage ceilings in micro-cents.
type SubscriptionLimits struct {
	Weekly        int64
	Rolling       int64
	RollingWindow time.Duration
}

// NewSubscriptionLimits parses dollar amounts such as "200" or "12.50".
func NewSubscriptionLimits(weeklyUSD, rollingUSD string, window time.Duration) (SubscriptionLimits, error) {
	weekly, err := catalog.ParsePrice(weeklyUSD)
	if err != nil {
		return SubscriptionLimits{}, fmt.Errorf("weekly subscription limit: %w", err)
	}
	rolling, err := catalog.ParsePrice(rollingUSD)
	if err != nil {
		return SubscriptionLimits{}, fmt.Errorf("rolling subscription limit: %w", err)
	}
	return SubscriptionLimits{Weekly: int64(weekly), Rolling: int64(rolling), RollingWindow: window}, nil
}

// Validator checks that a caller may spend money on a request.
type Validator struct {
	limits SubscriptionLimits
	now    func() time.Time
}

func NewValidator(limits SubscriptionLimits) *Validator {
	return &Validator{limits: limits, now: time.Now}
}

// WeekBounds returns the UTC week containing t, starting Monday 00:00.
func WeekBounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	start = time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 7)
}

// usdToMicroCents converts a whole-dollar limit.
func usdToMicroCents(usd int64) int64 {
	return usd * catalog.MicroCentsPerUSD
}

func sameUTCMonth(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// FormatRetry renders a wait as "2 days", "3hr 5min" or "12min".
func FormatRetry(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if days := secs / 86400; days >= 1 {
		if days > 1 {
			return fmt.Sprintf("%d days", days)
		}
		return "1 day"
	}
	hours := secs / 3600
	minutes := int64(math.Ceil(float64(secs%3600) / 60))
	if hours >= 1 {
		return fmt.Sprintf("%dhr %dmin", hours, minutes)
	}
	return fmt.Sprintf("%dmin", minutes)
}

func subscriptionError(retryAfter time.Duration) error {
	retryAfter = time.Duration(math.Ceil(retryAfter.Seconds())) * time.Second
	return apierr.New(apierr.SubscriptionError, "Subscription quota exceeded. Retry in %s.", FormatRetry(retryAfter)).
		WithRetryAfter(retryAfter)
}

// Validate runs the billing checks. BYOK callers, free workspaces, anonymous
// callers and models that allow anonymous access are not billed.
func (v *Validator) Validate(auth *models.AuthContext, model *catalog.Model) error {
	if auth == nil || auth.IsBYOK() || auth.IsFree || model.AllowAnonymous {
		return nil
	}
	now := v.now()

	if sub := auth.Subscription; sub != nil {
		if sub.FixedUsage > 0 && sub.TimeFixedUpdated != nil {
			weekStart, weekEnd := WeekBounds(now)
			if !sub.TimeFixedUpdated.Before(weekStart) && sub.FixedUsage >= v.limits.Weekly {
				return subscriptionError(weekEnd.Sub(now))
			}
		}
		if sub.RollingUsage > 0 && sub.TimeRollingUpdated != nil {
			windowStart := now.Add(-v.limits.RollingWindow)
			if !sub.TimeRollingUpdated.Before(windowStart) && sub.RollingUsage >= v.limits.Rolling {
				return subscriptionError(sub.TimeRollingUpdated.Add(v.limits.RollingWindow).Sub(now))
			}
		}
		return nil
	}

	b := auth.Billing
	if b.PaymentMethodID == "" {
		return apierr.New(apierr.CreditsError, "No payment method. Add a payment method to workspace %s.", auth.WorkspaceID)
	}
	if b.Balance <= 0 {
		return apierr.New(apierr.CreditsError, "Insufficient balance. Add credits to workspace %s.", auth.WorkspaceID)
	}

	if b.MonthlyLimit != nil && *b.MonthlyLimit > 0 && b.MonthlyUsage > 0 && b.TimeMonthlyUsageUpdated != nil &&
		b.MonthlyUsage >= usdToMicroCents(*b.MonthlyLimit) && sameUTCMonth(now, *b.TimeMonthlyUsageUpdated) {
		return apierr.New(apierr.MonthlyLimitError, "Your workspace has reached its monthly spending limit of $%d.", *b.MonthlyLimit)
	}

	u := auth.User
	if u.MonthlyLimit != nil && *u.MonthlyLimit > 0 && u.MonthlyUsage > 0 && u.TimeMonthlyUsageUpdated != nil &&
		u.MonthlyUsage >= usdToMicroCents(*u.MonthlyLimit) && sameUTCMonth(now, *u.TimeMonthlyUsageUpdated) {
		return apierr.New(apierr.UserLimitError, "You have reached your monthly spending limit of $%d.", *u.MonthlyLimit)
	}
	return nil
}

// ValidateModelSettings rejects models the workspace has turned off.
func ValidateModelSettings(auth *models.AuthContext) error {
	if auth != nil && auth.ModelDisabled {
		return apierr.New(apierr.ModelError, "Model is disabled")
	}
	return nil
}
