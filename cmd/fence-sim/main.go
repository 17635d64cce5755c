package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Meters of latitude per degree; good enough for a simulator walking
// north/south across a fence boundary.
const metersPerDegreeLat = 111320.0

type fixPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"`
}

type statusPayload struct {
	RegionMonitoringAvailable bool   `json:"regionMonitoringAvailable"`
	LocationServicesEnabled   bool   `json:"locationServicesEnabled"`
	AlwaysAuthorized          bool   `json:"alwaysAuthorized"`
	WhenInUseAuthorized       bool   `json:"whenInUseAuthorized"`
	NotificationsAllowed      bool   `json:"notificationsAllowed"`
	SoundAllowed              bool   `json:"soundAllowed"`
	AlertAllowed              bool   `json:"alertAllowed"`
	BadgeAllowed              bool   `json:"badgeAllowed"`
	ReportedAt                string `json:"reportedAt"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	fenceLat := flag.Float64("fence-lat", 52.5200, "Fence center latitude")
	fenceLng := flag.Float64("fence-lng", 13.4050, "Fence center longitude")
	radius := flag.Float64("radius", 100, "Fence radius in meters")
	step := flag.Float64("step", 25, "Meters walked per tick")
	dwell := flag.Int("dwell", 3, "Ticks spent at the innermost/outermost point before turning around")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published fixes")

	flag.Parse()

	clientID := fmt.Sprintf("fence-sim-%s", uuid.NewString())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publishStatus(client)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	// Walk a straight north/south line through the fence center: start well
	// outside, head in until near the center, dwell, head back out, repeat.
	offset := 3 * *radius
	heading := -1.0
	dwellLeft := 0

	publishFix := func() {
		lat := *fenceLat + offset/metersPerDegreeLat
		payload := fixPayload{
			Latitude:  lat,
			Longitude: *fenceLng,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode fix: %v", err)
			return
		}

		token := client.Publish("geofence/location", 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published fix offset=%.0fm inside=%v", offset, offset <= *radius)

		if dwellLeft > 0 {
			dwellLeft--
			return
		}

		offset += heading * *step
		if offset <= *step {
			offset = 0
			heading = 1
			dwellLeft = *dwell
		} else if offset >= 3**radius {
			offset = 3 * *radius
			heading = -1
			dwellLeft = *dwell
		}
	}

	publishFix()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publishFix()
		}
	}
}

func publishStatus(client mqtt.Client) {
	payload := statusPayload{
		RegionMonitoringAvailable: true,
		LocationServicesEnabled:   true,
		AlwaysAuthorized:          true,
		WhenInUseAuthorized:       true,
		NotificationsAllowed:      true,
		SoundAllowed:              true,
		AlertAllowed:              true,
		BadgeAllowed:              true,
		ReportedAt:                time.Now().UTC().Format(time.RFC3339Nano),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to encode status: %v", err)
		return
	}

	token := client.Publish("geofence/platform/status", 0, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("status publish error: %v", err)
	}
}
