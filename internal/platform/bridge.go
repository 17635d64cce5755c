package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"geofence/bridge-server/internal/model"
)

// Topics for outbound platform commands and inbound device status.
const (
	TopicMonitorAdd    = "geofence/monitor/add"
	TopicMonitorRemove = "geofence/monitor/remove"
	TopicMonitorClear  = "geofence/monitor/clear"
	TopicNotifyShow    = "geofence/notify/show"
	TopicNotifyDismiss = "geofence/notify/dismiss"
	TopicStatus        = "geofence/platform/status"
)

// Publisher abstracts the broker publish used for outbound commands.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Bridge relays platform commands to the device over MQTT and caches the
// device's capability report to answer precondition checks.
type Bridge struct {
	pub    Publisher
	logger *slog.Logger

	mu     sync.RWMutex
	status *model.DeviceStatus
}

// NewBridge constructs a bridge publishing through the given broker.
func NewBridge(pub Publisher, logger *slog.Logger) *Bridge {
	return &Bridge{pub: pub, logger: logger}
}

// UpdateStatus caches the latest device capability report.
func (b *Bridge) UpdateStatus(st model.DeviceStatus) {
	b.mu.Lock()
	b.status = &st
	b.mu.Unlock()
	b.logger.Debug("device status updated", "locationServices", st.LocationServicesEnabled, "always", st.AlwaysAuthorized)
}

type monitorCommand struct {
	RequestID      string               `json:"requestId"`
	ID             string               `json:"id,omitempty"`
	Latitude       float64              `json:"latitude,omitempty"`
	Longitude      float64              `json:"longitude,omitempty"`
	Radius         float64              `json:"radius,omitempty"`
	TransitionMask model.TransitionMask `json:"transitionType,omitempty"`
}

// RegisterRegion asks the device to start OS-level monitoring for the fence.
func (b *Bridge) RegisterRegion(ctx context.Context, f model.Fence) error {
	cmd := monitorCommand{
		RequestID:      uuid.NewString(),
		ID:             f.ID,
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		Radius:         f.Radius,
		TransitionMask: f.TransitionMask,
	}
	return b.publish(TopicMonitorAdd, cmd)
}

// UnregisterRegion asks the device to stop monitoring the fence.
func (b *Bridge) UnregisterRegion(ctx context.Context, id string) error {
	return b.publish(TopicMonitorRemove, monitorCommand{RequestID: uuid.NewString(), ID: id})
}

// UnregisterAll drops every monitoring registration on the device.
func (b *Bridge) UnregisterAll(ctx context.Context) error {
	return b.publish(TopicMonitorClear, monitorCommand{RequestID: uuid.NewString()})
}

type notifyCommand struct {
	RequestID string `json:"requestId"`
	model.NotificationRequest
}

// Notify asks the device to present a local notification.
func (b *Bridge) Notify(ctx context.Context, req model.NotificationRequest) error {
	return b.publish(TopicNotifyShow, notifyCommand{RequestID: uuid.NewString(), NotificationRequest: req})
}

type dismissCommand struct {
	RequestID string   `json:"requestId"`
	IDs       []string `json:"ids"`
}

// DismissNotifications removes delivered notifications by id.
func (b *Bridge) DismissNotifications(ctx context.Context, ids []string) error {
	return b.publish(TopicNotifyDismiss, dismissCommand{RequestID: uuid.NewString(), IDs: ids})
}

// CheckRequirements evaluates the cached device report into the ok/warnings/
// errors triple. The wording mirrors what the device surfaces to users.
func (b *Bridge) CheckRequirements(ctx context.Context) model.PreconditionReport {
	b.mu.RLock()
	st := b.status
	b.mu.RUnlock()

	warnings := []string{}
	errs := []string{}

	if st == nil {
		errs = append(errs, "Error: no device status reported yet")
		return model.PreconditionReport{OK: false, Warnings: warnings, Errors: errs}
	}

	if !st.RegionMonitoringAvailable {
		errs = append(errs, "Geofencing not available")
	}
	if !st.LocationServicesEnabled {
		errs = append(errs, "Error: Locationservices not enabled")
	}

	if !st.AlwaysAuthorized {
		if !st.WhenInUseAuthorized {
			errs = append(errs, "Error: Location when in use permissions not granted")
		} else {
			warnings = append(warnings, "Warning: Location always permissions not granted")
		}
	}

	if !st.NotificationsAllowed {
		errs = append(errs, "Error: notification permission missing")
	} else {
		if !st.SoundAllowed {
			warnings = append(warnings, "Warning: notification settings - sound permission missing")
		}
		if !st.AlertAllowed {
			warnings = append(warnings, "Warning: notification settings - alert permission missing")
		}
		if !st.BadgeAllowed {
			warnings = append(warnings, "Warning: notification settings - badge permission missing")
		}
	}

	return model.PreconditionReport{OK: len(errs) == 0, Warnings: warnings, Errors: errs}
}

func (b *Bridge) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", topic, err)
	}
	if err := b.pub.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
