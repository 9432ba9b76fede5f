package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/fernwake/insightd/internal/config"
	"github.com/fernwake/insightd/internal/insights"
)

// rawStateLimit caps the raw_response sensor state. HA sensor states
// max out at 255 characters; the raw model output routinely exceeds
// that, so the state is a short preview and the full text rides in the
// attributes topic.
const (
	rawStateLimit    = 50
	sensorStateLimit = 255
	refreshPayload   = "REFRESH"
)

// Publisher manages the broker connection, publishes HA discovery
// configs on every (re-)connect, and pushes each cycle result to the
// four result sensors.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	onRefresh  func() // invoked when the HA refresh button is pressed
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	mu   sync.Mutex
	last *insights.Result // republished on reconnect
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection. onRefresh may be nil; the refresh button is
// still published but presses only log.
func New(cfg config.MQTTConfig, instanceID string, onRefresh func(), logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		onRefresh:  onRefresh,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it publishes discovery configs, a birth
// message, and the last known result.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeRefresh(ctx, cm)
			p.republishLast(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "insightd-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				p.handleInbound,
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes an "offline" availability message before closing the
// connection. The context bounds how long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "insightd/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) refreshTopic() string {
	return p.baseTopic() + "/refresh"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

// resultSensors lists the four result sensors in publish order.
func (p *Publisher) resultSensors() []sensorDef {
	avail := p.availabilityTopic()
	sensor := func(suffix, name, icon string) sensorDef {
		return sensorDef{
			entitySuffix: suffix,
			config: SensorConfig{
				Name:                p.device.Name + " " + name,
				UniqueID:            p.instanceID + "_" + suffix,
				StateTopic:          p.stateTopic(suffix),
				JsonAttributesTopic: p.attributesTopic(suffix),
				AvailabilityTopic:   avail,
				Device:              p.device,
				Icon:                icon,
			},
		}
	}
	return []sensorDef{
		sensor("insights", "Insights", "mdi:lightbulb-on-outline"),
		sensor("alerts", "Alerts", "mdi:alert-circle-outline"),
		sensor("actions", "Actions", "mdi:play-circle-outline"),
		sensor("raw_response", "Raw Response", "mdi:code-json"),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.resultSensors() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}
		p.publishRetained(ctx, cm, topic, payload, s.entitySuffix)
	}

	button := ButtonConfig{
		Name:              p.device.Name + " Refresh",
		UniqueID:          p.instanceID + "_refresh",
		CommandTopic:      p.refreshTopic(),
		PayloadPress:      refreshPayload,
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              "mdi:refresh",
	}
	payload, err := json.Marshal(button)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "entity", "refresh", "error", err)
		return
	}
	p.publishRetained(ctx, cm, p.discoveryTopic("button", "refresh"), payload, "refresh")
}

func (p *Publisher) publishRetained(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, entity string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed",
			"entity", entity, "topic", topic, "error", err)
	} else {
		p.logger.Debug("mqtt discovery published",
			"entity", entity, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Refresh button ---

func (p *Publisher) subscribeRefresh(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.refreshTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", topic)
}

func (p *Publisher) handleInbound(pr paho.PublishReceived) (bool, error) {
	if pr.Packet.Topic != p.refreshTopic() {
		return false, nil
	}
	p.logger.Info("refresh button pressed", "payload", string(pr.Packet.Payload))
	if p.onRefresh != nil {
		p.onRefresh()
	}
	return true, nil
}

// --- Result publishing ---

// PublishResult pushes one cycle result to the result sensors. The last
// result is remembered and republished on reconnect. Implements the
// coordinator's Publisher seam.
func (p *Publisher) PublishResult(ctx context.Context, r insights.Result) error {
	p.mu.Lock()
	p.last = &r
	p.mu.Unlock()

	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.publishResult(ctx, r)
}

// republishLast restores the sensors after a reconnect.
func (p *Publisher) republishLast(ctx context.Context) {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if last == nil {
		return
	}
	if err := p.publishResult(ctx, *last); err != nil {
		p.logger.Warn("mqtt republish after reconnect failed", "error", err)
	}
}

func (p *Publisher) publishResult(ctx context.Context, r insights.Result) error {
	shared := r.Attributes()

	states := []struct {
		entity string
		state  string
		extra  map[string]any
	}{
		{"insights", truncate(r.Insights, sensorStateLimit), map[string]any{"full_text": r.Insights}},
		{"alerts", truncate(r.Alerts, sensorStateLimit), map[string]any{"full_text": r.Alerts}},
		{"actions", truncate(r.Actions, sensorStateLimit), map[string]any{
			"full_text": r.Actions,
			"outcomes":  json.RawMessage(r.OutcomesJSON()),
		}},
		{"raw_response", truncate(r.Raw, rawStateLimit), map[string]any{"full_text": r.Raw}},
	}

	var firstErr error
	for _, s := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(s.entity),
			Payload: []byte(s.state),
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt state publish failed", "entity", s.entity, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		attrs := make(map[string]any, len(shared)+len(s.extra))
		for k, v := range shared {
			attrs[k] = v
		}
		for k, v := range s.extra {
			attrs[k] = v
		}
		payload, err := json.Marshal(attrs)
		if err != nil {
			p.logger.Error("mqtt marshal attributes", "entity", s.entity, "error", err)
			continue
		}
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.attributesTopic(s.entity),
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt attributes publish failed", "entity", s.entity, "error", err)
		}
	}

	if firstErr == nil {
		p.logger.Debug("mqtt result published", "status", r.Status, "cycle_id", r.CycleID)
	}
	return firstErr
}

// truncate shortens s to at most max bytes without splitting a UTF-8
// sequence, appending an ellipsis when anything was cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	keep := max
	if max > 3 {
		keep = max - 3
	}
	// Back up to a rune boundary so the published state stays valid UTF-8.
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	if max <= 3 {
		return s[:keep]
	}
	return s[:keep] + "..."
}
