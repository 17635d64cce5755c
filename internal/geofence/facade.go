package geofence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"geofence/bridge-server/internal/model"
)

// ErrMalformedFence marks a fence record rejected at the facade boundary
// before it reaches the store.
var ErrMalformedFence = errors.New("malformed fence")

// Platform is the external collaborator handling OS-level region monitoring,
// notification presentation, and permission state. The bridge treats it as
// best effort: registration failures are logged, never fatal.
type Platform interface {
	RegisterRegion(ctx context.Context, f model.Fence) error
	UnregisterRegion(ctx context.Context, id string) error
	UnregisterAll(ctx context.Context) error
	Notify(ctx context.Context, req model.NotificationRequest) error
	DismissNotifications(ctx context.Context, ids []string) error
	CheckRequirements(ctx context.Context) model.PreconditionReport
}

// Service is the plugin facade: it adapts external add/remove/list/snooze
// requests into engine and store operations and keeps the platform's
// monitoring registrations in sync.
type Service struct {
	store    FenceStore
	engine   *Engine
	platform Platform
	logger   *slog.Logger
}

// NewService wires the facade around the shared store, engine, and platform.
func NewService(s FenceStore, e *Engine, p Platform, logger *slog.Logger) *Service {
	return &Service{store: s, engine: e, platform: p, logger: logger}
}

// UpsertFence validates and stores a fence and (re)registers its platform
// monitoring region.
//
// Every external upsert stamps IsInside=false and clears the notification's
// last-triggered time, even on metadata-only edits of a fence the device is
// currently inside. The next fix re-enters the fence and fires again. This
// matches the reference behavior; see DESIGN.md before changing it.
func (s *Service) UpsertFence(ctx context.Context, f model.Fence) error {
	if err := validateFence(f); err != nil {
		return err
	}

	f.IsInside = false
	if f.Notification != nil {
		n := *f.Notification
		n.LastTriggeredAt = time.Time{}
		f.Notification = &n
	}

	if err := s.engine.UpsertFence(ctx, f); err != nil {
		return err
	}

	if err := s.platform.RegisterRegion(ctx, f); err != nil {
		s.logger.Warn("region registration failed", "fence", f.ID, "error", err)
	}
	return nil
}

// ListFences returns a snapshot of all stored fences.
func (s *Service) ListFences(ctx context.Context) ([]model.Fence, error) {
	return s.store.ListFences(ctx)
}

// RemoveFence deletes the fence, clears its snooze entry, and cancels its
// monitoring registration. Unknown ids are a no-op.
func (s *Service) RemoveFence(ctx context.Context, id string) error {
	if err := s.engine.RemoveFence(ctx, id); err != nil {
		return err
	}

	if err := s.platform.UnregisterRegion(ctx, id); err != nil {
		s.logger.Warn("region unregistration failed", "fence", id, "error", err)
	}
	return nil
}

// RemoveAllFences clears the store, every snooze entry, and every monitoring
// registration.
func (s *Service) RemoveAllFences(ctx context.Context) error {
	if err := s.engine.RemoveAllFences(ctx); err != nil {
		return err
	}

	if err := s.platform.UnregisterAll(ctx); err != nil {
		s.logger.Warn("region unregistration failed", "error", err)
	}
	return nil
}

// SnoozeFence quiets a fence for the given number of seconds.
func (s *Service) SnoozeFence(id string, durationSeconds int) {
	s.engine.Snooze(id, time.Duration(durationSeconds)*time.Second)
}

// DismissNotifications removes delivered notifications on the device.
func (s *Service) DismissNotifications(ctx context.Context, ids []string) error {
	return s.platform.DismissNotifications(ctx, ids)
}

// CheckPreconditions reports whether the platform can monitor regions and
// present notifications, with human-readable warnings and errors. Failures
// are reported in the triple, never as a Go error.
func (s *Service) CheckPreconditions(ctx context.Context) model.PreconditionReport {
	return s.platform.CheckRequirements(ctx)
}

func validateFence(f model.Fence) error {
	if f.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedFence)
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrMalformedFence, f.Latitude)
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrMalformedFence, f.Longitude)
	}
	if f.Radius < 0 {
		return fmt.Errorf("%w: negative radius %v", ErrMalformedFence, f.Radius)
	}
	return nil
}
