package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"geofence/bridge-server/internal/config"
	"geofence/bridge-server/internal/geofence"
	"geofence/bridge-server/internal/model"
	"geofence/bridge-server/internal/mqttbroker"
	"geofence/bridge-server/internal/platform"
	"geofence/bridge-server/internal/store"
)

// Topics the bridge consumes from devices.
const (
	topicLocation    = "geofence/location"
	topicRegions     = "geofence/regions"
	topicActive      = "geofence/platform/active"
	topicTransitions = "geofence/transitions"
)

// App wires together the geofence bridge services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	broker *mqttbroker.Broker
	bridge *platform.Bridge
	engine *geofence.Engine
	svc    *geofence.Service
	mdns   *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	broker := mqttbroker.New(a.logger)
	broker.SetPublishHandler(a.handleMQTTPublish)
	brokerErrCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.broker = broker

	a.bridge = platform.NewBridge(broker, a.logger)

	webhookClient := &http.Client{Timeout: time.Duration(a.cfg.WebhookTimeoutSeconds) * time.Second}
	dispatcher := geofence.NewTransitionDispatcher(a.store, a.bridge, webhookClient, a.logger)

	a.engine = geofence.NewEngine(a.store, dispatcher, a.logger)
	a.engine.SetActive(true)

	a.svc = geofence.NewService(a.store, a.engine, a.bridge, a.logger)

	go a.relayTransitions(ctx)

	if !a.cfg.MDNSDisabled {
		if err := a.startMDNS(mqttPortFromBind(a.cfg.MQTTBindAddress)); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if err := a.broker.Stop(); err != nil {
				return err
			}
			a.logger.Info("mqtt broker stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				_ = a.broker.Stop()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.broker.Stop()
				return err
			}
		}
	}
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	switch msg.Topic {
	case topicLocation:
		a.handleLocationFix(ctx, msg)
	case topicRegions:
		a.handleRegionEvent(ctx, msg)
	case platform.TopicStatus:
		a.handleDeviceStatus(msg)
	case topicActive:
		a.handleActiveChange(msg)
	default:
		// ignore; devices publish on bridge-owned topics only
	}
}

func (a *App) handleLocationFix(ctx context.Context, msg mqttbroker.PublishMessage) {
	var fix model.LocationFix
	if err := json.Unmarshal(msg.Payload, &fix); err != nil {
		a.logger.Warn("location fix decode failed", "client", msg.ClientID, "error", err)
		return
	}

	if fix.Latitude < -90 || fix.Latitude > 90 || fix.Longitude < -180 || fix.Longitude > 180 {
		a.logger.Warn("location fix out of range", "client", msg.ClientID, "lat", fix.Latitude, "lng", fix.Longitude)
		return
	}

	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now().UTC()
	}

	fixCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	a.engine.ProcessFix(fixCtx, fix)
}

func (a *App) handleRegionEvent(ctx context.Context, msg mqttbroker.PublishMessage) {
	var ev model.RegionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		a.logger.Warn("region event decode failed", "client", msg.ClientID, "error", err)
		return
	}
	if ev.FenceID == "" {
		a.logger.Warn("region event missing fence id", "client", msg.ClientID)
		return
	}

	evCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	a.engine.HandleRegionEvent(evCtx, ev)
}

func (a *App) handleDeviceStatus(msg mqttbroker.PublishMessage) {
	var st model.DeviceStatus
	if err := json.Unmarshal(msg.Payload, &st); err != nil {
		a.logger.Warn("device status decode failed", "client", msg.ClientID, "error", err)
		return
	}
	if st.ReportedAt.IsZero() {
		st.ReportedAt = time.Now().UTC()
	}
	a.bridge.UpdateStatus(st)
}

func (a *App) handleActiveChange(msg mqttbroker.PublishMessage) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		a.logger.Warn("activity change decode failed", "client", msg.ClientID, "error", err)
		return
	}
	a.engine.SetActive(req.Active)
}

// relayTransitions forwards accepted transitions to subscribed devices over
// MQTT.
func (a *App) relayTransitions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-a.engine.Events():
			payload, err := json.Marshal(tr)
			if err != nil {
				a.logger.Error("failed to encode transition event", "error", err)
				continue
			}
			if err := a.broker.Publish(topicTransitions, payload); err != nil {
				a.logger.Warn("failed to relay transition event", "fence", tr.FenceID, "error", err)
			}
		}
	}
}

func mqttPortFromBind(bind string) int {
	_, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		return 1883
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 1883
	}
	return port
}
