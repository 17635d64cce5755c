package model

import (
	"encoding/json"
	"time"
)

// TransitionType identifies a fence boundary crossing direction.
// The values double as bits in a fence's transition mask.
type TransitionType int

const (
	TransitionEnter TransitionType = 1
	TransitionExit  TransitionType = 2
)

// String returns the wire spelling used in webhook payloads and events.
func (t TransitionType) String() string {
	switch t {
	case TransitionEnter:
		return "ENTER"
	case TransitionExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// TransitionMask selects which transition types a fence fires on.
type TransitionMask int

// Has reports whether the mask enables the given transition type.
func (m TransitionMask) Has(t TransitionType) bool {
	return m&TransitionMask(t) != 0
}

// Notification is the optional local-notification sub-record of a fence.
// A FrequencySeconds of 0 or a zero LastTriggeredAt means "no throttle".
type Notification struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Text             string          `json:"text"`
	Data             json.RawMessage `json:"data,omitempty"`
	FrequencySeconds int             `json:"frequency,omitempty"`
	LastTriggeredAt  time.Time       `json:"lastTriggered,omitempty"`
}

// Webhook is the optional outbound-POST sub-record of a fence.
type Webhook struct {
	URL           string `json:"url"`
	Authorization string `json:"authorization,omitempty"`
}

// Fence is a circular geographic region watched for enter/exit transitions.
// IsInside is mutated only by the transition engine; external upserts always
// reset it to false.
type Fence struct {
	ID             string         `json:"id"`
	Latitude       float64        `json:"latitude"`
	Longitude      float64        `json:"longitude"`
	Radius         float64        `json:"radius"`
	TransitionMask TransitionMask `json:"transitionType"`
	IsInside       bool           `json:"isInside"`
	StartTime      *time.Time     `json:"startTime,omitempty"`
	EndTime        *time.Time     `json:"endTime,omitempty"`
	Notification   *Notification  `json:"notification,omitempty"`
	Webhook        *Webhook       `json:"webhook,omitempty"`
}

// LocationFix is a single device position report.
type LocationFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// RegionEvent is an OS-delivered region-monitoring callback, used to keep
// transitions firing while the polling path is suspended.
type RegionEvent struct {
	FenceID        string         `json:"fenceId"`
	TransitionType TransitionType `json:"transitionType"`
}

// Transition is an accepted boundary crossing published to the facade layer.
type Transition struct {
	FenceID   string         `json:"fenceId"`
	Type      TransitionType `json:"transitionType"`
	Timestamp time.Time      `json:"timestamp"`
}

// NotificationRequest is handed to the platform's notification facility.
type NotificationRequest struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SoundEnabled bool            `json:"soundEnabled"`
}

// PreconditionReport is the structured result of a precondition check.
type PreconditionReport struct {
	OK       bool     `json:"ok"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

// DeviceStatus is the capability report a device publishes so the bridge can
// answer precondition checks on its behalf.
type DeviceStatus struct {
	RegionMonitoringAvailable bool      `json:"regionMonitoringAvailable"`
	LocationServicesEnabled   bool      `json:"locationServicesEnabled"`
	AlwaysAuthorized          bool      `json:"alwaysAuthorized"`
	WhenInUseAuthorized       bool      `json:"whenInUseAuthorized"`
	NotificationsAllowed      bool      `json:"notificationsAllowed"`
	SoundAllowed              bool      `json:"soundAllowed"`
	AlertAllowed              bool      `json:"alertAllowed"`
	BadgeAllowed              bool      `json:"badgeAllowed"`
	ReportedAt                time.Time `json:"reportedAt"`
}
