// Package telemetry streams capture readings and session events to an
// MQTT broker for off-box consumers.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/proximity.report/internal/sonar"
)

// Publisher pushes readings and session lifecycle events to an external
// consumer. Implementations must tolerate being called from the capture
// hot path, so publishing is fire-and-forget.
type Publisher interface {
	PublishReading(r sonar.Reading) error
	PublishSession(ev SessionEvent) error
	Close()
}

// SessionEvent announces a capture session transition.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Mode      string    `json:"mode,omitempty"`
	At        time.Time `json:"at"`
}

// MQTTPublisher publishes over an MQTT broker.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
}

// NewMQTTPublisher connects to the broker and returns a publisher whose
// topics are rooted at prefix. The connection keeps itself alive after
// the initial connect; a broker that is down at startup is an error so
// the caller can fall back to no telemetry.
func NewMQTTPublisher(broker, clientID, prefix string) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", broker, token.Error())
	}
	return &MQTTPublisher{client: client, prefix: prefix}, nil
}

func (p *MQTTPublisher) readingTopic(sensorID int) string {
	return fmt.Sprintf("%s/sensor/%d/reading", p.prefix, sensorID)
}

func (p *MQTTPublisher) sessionTopic() string {
	return p.prefix + "/session"
}

// PublishReading sends one reading as JSON at QoS 0. Delivery is not
// waited on: at 20Hz a slow broker must not stall the capture loop.
func (p *MQTTPublisher) PublishReading(r sonar.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	p.client.Publish(p.readingTopic(r.SensorID), 0, false, payload)
	return nil
}

// PublishSession sends a session lifecycle event. Events are retained so
// a late subscriber sees the current session state.
func (p *MQTTPublisher) PublishSession(ev SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	p.client.Publish(p.sessionTopic(), 0, true, payload)
	return nil
}

// Close flushes in-flight messages and disconnects.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// NopPublisher drops everything. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishReading(sonar.Reading) error { return nil }

func (NopPublisher) PublishSession(SessionEvent) error { return nil }

func (NopPublisher) Close() {}
