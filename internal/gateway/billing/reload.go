package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Locker takes the short per-workspace reload lock.
type Locker interface {
	AcquireReloadLock(ctx context.Context, workspaceID string, trigger int64, lockFor time.Duration) (bool, error)
}

// Reloader tops up a workspace balance.
type Reloader interface {
	Reload(ctx context.Context, workspaceID string) error
}

// AutoReload triggers a balance reload when a request leaves a pay-as-you-go
// workspace under its reload trigger.
type AutoReload struct {
	locker         Locker
	reloader       Reloader
	defaultTrigger int64
	lockFor        time.Duration
	now            func() time.Time
}

// NewAutoReload creates the reload check. defaultTriggerUSD applies to
// workspaces without their own trigger.
func NewAutoReload(locker Locker, reloader Reloader, defaultTriggerUSD int64, lockFor time.Duration) *AutoReload {
	return &AutoReload{
		locker:         locker,
		reloader:       reloader,
		defaultTrigger: defaultTriggerUSD,
		lockFor:        lockFor,
		now:            time.Now,
	}
}

// Trigger returns the workspace reload trigger in micro-cents and whether a
// reload should be attempted after spending cost.
func (r *AutoReload) Trigger(auth *models.AuthContext, cost int64) (int64, bool) {
	if auth == nil || auth.IsFree || auth.IsBYOK() || auth.Subscription != nil {
		return 0, false
	}
	triggerUSD := r.defaultTrigger
	if auth.Billing.ReloadTrigger != nil {
		triggerUSD = *auth.Billing.ReloadTrigger
	}
	trigger := usdToMicroCents(triggerUSD)
	if auth.Billing.Balance-cost >= trigger {
		return trigger, false
	}
	if till := auth.Billing.TimeReloadLockedTill; till != nil && till.After(r.now()) {
		return trigger, false
	}
	return trigger, true
}

// Check reloads the workspace if needed. It reports whether a reload ran. A
// lost lock race means another request is reloading and is not an error.
func (r *AutoReload) Check(ctx context.Context, auth *models.AuthContext, cost int64) (bool, error) {
	trigger, ok := r.Trigger(auth, cost)
	if !ok {
		return false, nil
	}
	locked, err := r.locker.AcquireReloadLock(ctx, auth.WorkspaceID, trigger, r.lockFor)
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}
	if err := r.reloader.Reload(ctx, auth.WorkspaceID); err != nil {
		return false, fmt.Errorf("reload workspace %s: %w", auth.WorkspaceID, err)
	}
	return true, nil
}

// WebhookReloader asks the billing service to reload a workspace over HTTP.
type WebhookReloader struct {
	url    string
	client *http.Client
}

func NewWebhookReloader(url string, timeout time.Duration) *WebhookReloader {
	return &WebhookReloader{url: url, client: &http.Client{Timeout: timeout}}
}

type reloadRequest struct {
	WorkspaceID string `json:"workspaceID"`
}

func (w *WebhookReloader) Reload(ctx context.Context, workspaceID string) error {
	body, err := json.Marshal(reloadRequest{WorkspaceID: workspaceID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("reload webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogReloader only records that a reload was due.
type LogReloader struct{}

func (LogReloader) Reload(_ context.Context, workspaceID string) error {
	log.Warn().Str("workspace", workspaceID).Msg("balance reload due, no reload webhook configured")
	return nil
}
