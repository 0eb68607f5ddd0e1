// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for favorite intercoms, cameras and the contract
// balance, relays door-open commands, and forwards snapshot updates from the
// EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/ufanet/internal/core/api"
	"github.com/trymwestin/ufanet/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string
}

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (c Config) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", c.TopicPrefix, c.DeviceID, suffix)
}

// DoorOpener opens an intercom door.
type DoorOpener interface {
	OpenDoor(ctx context.Context, intercomID int) (bool, error)
}

// PressPayload is the button payload that triggers a door open.
const PressPayload = "PRESS"

const commandTimeout = 15 * time.Second

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// door command topics, and forwards snapshot and door events from the
// EventBus.
type HAPublisher struct {
	cfg   Config
	doors DoorOpener
	snaps state.SnapshotReader
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	mu         sync.Mutex
	discovered map[string]bool

	unsub func()
	stopC chan struct{}
	wg    sync.WaitGroup
	// stopMu orders command goroutine starts against Stop's wg.Wait.
	stopMu   sync.Mutex
	stopping bool
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, doors DoorOpener, snaps state.SnapshotReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:        cfg,
		doors:      doors,
		snaps:      snaps,
		bus:        bus,
		log:        log,
		discovered: make(map[string]bool),
		stopC:      make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker and starts listening on the EventBus.
// Discovery, command subscriptions and full state are sent on every
// (re)connect.
func (p *HAPublisher) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("ufanet-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.cfg.topic("status"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
// Commands arriving afterwards are dropped; calling Stop again is a no-op.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.stopMu.Lock()
	if p.stopping {
		p.stopMu.Unlock()
		return nil
	}
	p.stopping = true
	p.stopMu.Unlock()

	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(message{topic: p.cfg.topic("status"), payload: "offline", retained: true})
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

func (p *HAPublisher) onConnect() {
	p.publish(message{topic: p.cfg.topic("status"), payload: "online", retained: true})

	// Retained configs may be gone after a broker restart.
	p.mu.Lock()
	p.discovered = make(map[string]bool)
	p.mu.Unlock()

	cmdTopic := p.cfg.topic("intercom/+/open")
	token := p.client.Subscribe(cmdTopic, 1, p.handleOpenCmd)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "topic", cmdTopic, "error", err)
	}

	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.mu.Lock()
			p.discovered = make(map[string]bool)
			p.mu.Unlock()
			p.publishSnapshot()
		}
	})

	p.publishSnapshot()
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (p *HAPublisher) handleOpenCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	id, ok := parseOpenCommand(p.cfg, msg.Topic(), msg.Payload())
	if !ok {
		p.log.Warn("ignoring MQTT command", "topic", msg.Topic(), "payload", string(msg.Payload()))
		return
	}
	p.log.Info("MQTT command: open door", "intercom_id", id)

	// The paho callback goroutine must not block on the backend.
	p.stopMu.Lock()
	if p.stopping {
		p.stopMu.Unlock()
		p.log.Warn("publisher stopping, dropping MQTT command", "intercom_id", id)
		return
	}
	p.wg.Add(1)
	p.stopMu.Unlock()
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if _, err := p.doors.OpenDoor(ctx, id); err != nil {
			p.log.Error("failed to open door", "intercom_id", id, "error", err)
		}
	}()
}

// parseOpenCommand extracts the intercom id from
// {prefix}/{device}/intercom/{id}/open with a PRESS payload.
func parseOpenCommand(cfg Config, topic string, payload []byte) (int, bool) {
	if !strings.EqualFold(strings.TrimSpace(string(payload)), PressPayload) {
		return 0, false
	}
	prefix := cfg.topic("intercom/")
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/open") {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/open")
	id, err := api.ParseIntercomID(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventSnapshotPublished:
		snap, ok := evt.Data.(state.Snapshot)
		if !ok {
			p.log.Warn("unexpected data type for snapshot_published")
			return
		}
		p.publishDiscovery(snap)
		p.publishAll(stateMessages(p.cfg, snap))

	case state.EventDoorOpened, state.EventDoorFailed:
		de, ok := evt.Data.(state.DoorEvent)
		if !ok {
			p.log.Warn("unexpected data type for door event", "type", evt.Type)
			return
		}
		p.publish(lastOpenMessage(p.cfg, de, evt.Timestamp))
	}
}

func (p *HAPublisher) publishSnapshot() {
	snap, ok := p.snaps.Current()
	if !ok {
		return
	}
	p.publishDiscovery(snap)
	p.publishAll(stateMessages(p.cfg, snap))
}

// publishDiscovery sends configs for entities not announced since the last
// (re)connect.
func (p *HAPublisher) publishDiscovery(snap state.Snapshot) {
	for _, m := range discoveryMessages(p.cfg, snap) {
		p.mu.Lock()
		seen := p.discovered[m.topic]
		p.discovered[m.topic] = true
		p.mu.Unlock()
		if !seen {
			p.publish(m)
		}
	}
}

func (p *HAPublisher) publishAll(msgs []message) {
	for _, m := range msgs {
		p.publish(m)
	}
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(m message) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(m.topic, 1, m.retained, m.payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", m.topic, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Message builders
// ---------------------------------------------------------------------------

type message struct {
	topic    string
	payload  string
	retained bool
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func deviceInfo(cfg Config) map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{cfg.DeviceID},
		"name":         "Ufanet Intercom",
		"manufacturer": "Ufanet",
		"model":        "Intercom",
	}
}

func discoveryMessage(cfg Config, component, objectID string, payload map[string]interface{}) message {
	payload["unique_id"] = fmt.Sprintf("%s_%s", cfg.DeviceID, objectID)
	payload["device"] = deviceInfo(cfg)
	payload["availability"] = map[string]interface{}{"topic": cfg.topic("status")}
	data, _ := json.Marshal(payload)
	return message{topic: discoveryTopic(component, cfg.DeviceID, objectID), payload: string(data), retained: true}
}

// discoveryMessages returns a config for every entity the snapshot implies:
// an open button and a status sensor per favorite intercom, a sensor per
// camera, the balance gauge and the last poll time.
func discoveryMessages(cfg Config, snap state.Snapshot) []message {
	var out []message
	for _, ic := range api.Favorites(snap.Intercoms) {
		base := fmt.Sprintf("intercom/%d", ic.ID)
		out = append(out,
			discoveryMessage(cfg, "button", fmt.Sprintf("intercom_%d_open", ic.ID), map[string]interface{}{
				"name":          fmt.Sprintf("%s door button", ic.DisplayName()),
				"command_topic": cfg.topic(base + "/open"),
				"payload_press": PressPayload,
				"icon":          "mdi:lock-open",
			}),
			discoveryMessage(cfg, "sensor", fmt.Sprintf("intercom_%d_status", ic.ID), map[string]interface{}{
				"name":        fmt.Sprintf("%s Status", ic.DisplayName()),
				"state_topic": cfg.topic(base + "/state"),
				"icon":        "mdi:door",
			}),
		)
	}

	for _, cam := range snap.Cameras {
		base := "camera/" + cam.Number
		out = append(out, discoveryMessage(cfg, "sensor", "camera_"+cam.Number, map[string]interface{}{
			"name":                  cam.Title,
			"state_topic":           cfg.topic(base + "/state"),
			"json_attributes_topic": cfg.topic(base + "/attributes"),
			"icon":                  "mdi:cctv",
		}))
	}

	if snap.Contract != nil {
		out = append(out, discoveryMessage(cfg, "sensor", "balance", map[string]interface{}{
			"name":                "Balance",
			"state_topic":         cfg.topic("contract/state"),
			"value_template":      "{{ value_json.balance }}",
			"unit_of_measurement": "RUB",
			"device_class":        "monetary",
			"state_class":         "total",
			"icon":                "mdi:currency-rub",
		}))
	}

	out = append(out, discoveryMessage(cfg, "sensor", "last_poll", map[string]interface{}{
		"name":                  "Last poll",
		"state_topic":           cfg.topic("poll/state"),
		"value_template":        "{{ value_json.fetched_at }}",
		"json_attributes_topic": cfg.topic("poll/state"),
		"device_class":          "timestamp",
	}))
	return out
}

// stateMessages returns the retained state of every entity in snap.
func stateMessages(cfg Config, snap state.Snapshot) []message {
	var out []message
	for _, ic := range api.Favorites(snap.Intercoms) {
		out = append(out, message{
			topic:    cfg.topic(fmt.Sprintf("intercom/%d/state", ic.ID)),
			payload:  ic.Status(),
			retained: true,
		})
	}

	for _, cam := range snap.Cameras {
		base := "camera/" + cam.Number
		attrs, _ := json.Marshal(map[string]interface{}{
			"rtsp_url":  cam.StreamURL(),
			"address":   cam.Address,
			"latitude":  cam.Latitude,
			"longitude": cam.Longitude,
		})
		out = append(out,
			message{topic: cfg.topic(base + "/state"), payload: cam.Title, retained: true},
			message{topic: cfg.topic(base + "/attributes"), payload: string(attrs), retained: true},
		)
	}

	if snap.Contract != nil {
		data, _ := json.Marshal(map[string]interface{}{
			"id":      snap.Contract.ID,
			"title":   snap.Contract.Title,
			"balance": roundTo2(snap.Contract.Balance),
		})
		out = append(out, message{topic: cfg.topic("contract/state"), payload: string(data), retained: true})
	}

	errs := make(map[string]string)
	for r, e := range snap.Errors {
		if e != nil {
			errs[string(r)] = string(e.Kind)
		}
	}
	poll, _ := json.Marshal(map[string]interface{}{
		"fetched_at": snap.FetchedAt.UTC().Format(time.RFC3339),
		"cycle_id":   snap.CycleID,
		"healthy":    snap.Healthy(),
		"errors":     errs,
	})
	out = append(out, message{topic: cfg.topic("poll/state"), payload: string(poll), retained: true})
	return out
}

func lastOpenMessage(cfg Config, de state.DoorEvent, at time.Time) message {
	payload := map[string]interface{}{
		"result": de.Result,
		"at":     at.UTC().Format(time.RFC3339),
	}
	if de.Kind != "" {
		payload["kind"] = string(de.Kind)
	}
	data, _ := json.Marshal(payload)
	return message{topic: cfg.topic("intercom/" + strconv.Itoa(de.IntercomID) + "/last_open"), payload: string(data)}
}

func roundTo2(v float64) float64 {
	if v < 0 {
		return -roundTo2(-v)
	}
	return float64(int(v*100+0.5)) / 100
}
