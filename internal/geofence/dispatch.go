package geofence

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"geofence/bridge-server/internal/model"
)

// Notifier presents a local notification on the device. The platform bridge
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, req model.NotificationRequest) error
}

// Timestamp layout of the webhook payload: UTC ISO-8601 with milliseconds.
const webhookDateLayout = "2006-01-02T15:04:05.000Z"

// TransitionDispatcher performs the per-transition side effects: a local
// notification gated by the frequency throttle, and a fire-and-forget webhook
// POST. Both failures are logged and never propagate into the transition
// pipeline.
type TransitionDispatcher struct {
	store    FenceStore
	notifier Notifier
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// NewTransitionDispatcher builds a dispatcher posting webhooks with the given
// client; the client's timeout bounds every delivery attempt.
func NewTransitionDispatcher(s FenceStore, n Notifier, client *http.Client, logger *slog.Logger) *TransitionDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TransitionDispatcher{
		store:    s,
		notifier: n,
		client:   client,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch fires the downstream actions for an accepted transition.
func (d *TransitionDispatcher) Dispatch(ctx context.Context, fence model.Fence, tr model.Transition) {
	if fence.Notification != nil {
		if d.throttleAllows(ctx, *fence.Notification) {
			d.notify(ctx, fence)
		}
	}

	if fence.Webhook != nil && fence.Webhook.URL != "" {
		d.postWebhook(ctx, fence, tr)
	}
}

// throttleAllows applies the notification frequency throttle and, when the
// notification is due, stamps its last-triggered time. A missing frequency or
// last-triggered value means no throttle.
func (d *TransitionDispatcher) throttleAllows(ctx context.Context, n model.Notification) bool {
	now := d.now()

	if n.FrequencySeconds > 0 && !n.LastTriggeredAt.IsZero() {
		allowedAt := n.LastTriggeredAt.Add(time.Duration(n.FrequencySeconds) * time.Second)
		if now.Before(allowedAt) {
			d.logger.Debug("frequency control, skipping notification", "notification", n.ID)
			return false
		}
	}

	if err := d.store.TouchLastTriggered(ctx, n.ID, now); err != nil {
		d.logger.Warn("failed to record notification trigger time", "notification", n.ID, "error", err)
	}
	return true
}

func (d *TransitionDispatcher) notify(ctx context.Context, fence model.Fence) {
	n := fence.Notification

	req := model.NotificationRequest{
		ID:           n.ID,
		Title:        n.Title,
		Body:         n.Text,
		Payload:      n.Data,
		SoundEnabled: true,
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := d.notifier.Notify(ctx, req); err != nil {
		d.logger.Warn("notification presentation failed", "fence", fence.ID, "error", err)
		return
	}
	d.logger.Debug("notification dispatched", "fence", fence.ID, "notification", req.ID)
}

func (d *TransitionDispatcher) postWebhook(ctx context.Context, fence model.Fence, tr model.Transition) {
	payload := struct {
		GeofenceID string `json:"geofenceId"`
		Transition string `json:"transition"`
		Date       string `json:"date"`
	}{
		GeofenceID: fence.ID,
		Transition: tr.Type.String(),
		Date:       tr.Timestamp.UTC().Format(webhookDateLayout),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Warn("failed to encode webhook payload", "fence", fence.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fence.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("failed to build webhook request", "fence", fence.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if fence.Webhook.Authorization != "" {
		req.Header.Set("Authorization", fence.Webhook.Authorization)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Delivery is fire-and-forget: log and move on, never retry.
		d.logger.Warn("webhook delivery failed", "fence", fence.ID, "url", fence.Webhook.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Warn("webhook delivery rejected", "fence", fence.ID, "status", resp.StatusCode)
		return
	}
	d.logger.Info("webhook delivered", "fence", fence.ID, "status", resp.StatusCode)
}

var _ Dispatcher = (*TransitionDispatcher)(nil)
