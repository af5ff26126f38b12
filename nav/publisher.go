package nav

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned when publishing without a connected client.
var ErrNotConnected = errors.New("MQTT client not connected")

// Publisher publishes alignment and navigation state as retained JSON.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
}

// NewPublisher creates a publisher writing under prefix.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "crumbnav/out"
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		qos:    0,    // latest state only, no delivery guarantee needed
		retain: true, // late subscribers get the current state
	}
}

// correctionMessage is the payload of the correction topic.
type correctionMessage struct {
	AlignmentSnapshot
	YawDegrees float64 `json:"yawDegrees"`
	Timestamp  int64   `json:"timestamp"`
}

// PublishCorrection publishes the arbitrator snapshot to {prefix}/correction.
func (p *Publisher) PublishCorrection(s AlignmentSnapshot) error {
	return p.publish("correction", correctionMessage{
		AlignmentSnapshot: s,
		YawDegrees:        radToDeg(s.Correction.Yaw()),
		Timestamp:         time.Now().Unix(),
	})
}

// PublishStatus publishes navigation progress to {prefix}/status.
func (p *Publisher) PublishStatus(s NavigationStatus) error {
	return p.publish("status", s)
}

// PublishKeypoints publishes corrected keypoints to {prefix}/keypoints.
func (p *Publisher) PublishKeypoints(ks Keypoints) error {
	if ks == nil {
		ks = Keypoints{}
	}
	return p.publish("keypoints", ks)
}

func (p *Publisher) publish(suffix string, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	topic := p.prefix + "/" + suffix

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", suffix, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Attach publishes the correction, status, and keypoints every time the
// navigator's arbitrator accepts a correction.
func (p *Publisher) Attach(n *Navigator) {
	n.Arbitrator().OnCorrectionChange(func(CorrectionChange) {
		if err := p.PublishCorrection(n.Arbitrator().Snapshot()); err != nil {
			Logf("[MQTT] error publishing correction: %v", err)
			return
		}
		if err := p.PublishKeypoints(n.CorrectedKeypoints()); err != nil {
			Logf("[MQTT] error publishing keypoints: %v", err)
		}
		if err := p.PublishStatus(n.Status()); err != nil {
			Logf("[MQTT] error publishing status: %v", err)
		}
	})
}
