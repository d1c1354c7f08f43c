//go:build !no_mqtt

// Package mqtt publishes alarm events and live device state to an MQTT
// broker, with Home Assistant autodiscovery for groups and sensors. Groups
// can be armed and disarmed through their /set topic.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"devices-manager/internal/events"
	"devices-manager/internal/store"
)

const (
	DefaultTopicPrefix       = "devices-manager"
	DefaultDiscoveryInterval = 5 * time.Minute
	publishTimeout           = 10 * time.Second
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// Config holds MQTT bridge configuration.
type Config struct {
	Broker            string
	Username          string
	Password          string
	ClientID          string
	TopicPrefix       string
	DiscoveryInterval time.Duration
}

// Inventory lists what is announced to Home Assistant.
type Inventory interface {
	ListGroups() ([]*store.DeviceGroup, error)
	ListCameras() ([]*store.Camera, error)
	ListReeds() ([]*store.Reed, error)
	ListPirs() ([]*store.Pir, error)
}

// Arming executes arm/disarm commands received over MQTT.
type Arming interface {
	StartListening(id string, force bool) error
	StopListening(id string) error
}

// Bridge connects the devices manager to MQTT. It is an events.Publisher.
type Bridge struct {
	client   pahomqtt.Client
	inv      Inventory
	arming   Arming
	bus      *events.Bus
	prefix   string
	interval time.Duration
	logger   *slog.Logger
	unsub    func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Discovery node IDs announced by the last sync.
	mu        sync.Mutex
	announced map[string]bool
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(inv Inventory, arming Arming, bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(inv, arming, bus, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "devices-manager"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetOrderMatters(false).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.syncDiscovery()
			b.publishGroupStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(inv Inventory, arming Arming, bus *events.Bus, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	interval := cfg.DiscoveryInterval
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	return &Bridge{
		inv:       inv,
		arming:    arming,
		bus:       bus,
		prefix:    prefix,
		interval:  interval,
		logger:    logger.With("component", "mqtt"),
		ctx:       ctx,
		cancel:    cancel,
		announced: make(map[string]bool),
	}
}

// Start mirrors bus traffic to MQTT and refreshes discovery periodically so
// devices created through the API show up in Home Assistant.
func (b *Bridge) Start() {
	if b.bus != nil {
		b.unsub = b.bus.OnAll(b.handleMessage)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if b.client.IsConnectionOpen() {
					b.syncDiscovery()
				}
			case <-b.ctx.Done():
				return
			}
		}
	}()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// Publish sends an alarm event to <prefix>/events/<kind> with QoS 1 and
// waits for the broker to acknowledge it.
func (b *Bridge) Publish(ctx context.Context, ev events.Event) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	token := b.client.Publish(b.prefix+"/events/"+string(ev.Kind), 1, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", ev.Kind, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", ev.Kind, ctx.Err())
	}
}

func (b *Bridge) handleMessage(msg events.Message) {
	data, ok := msg.Data.(map[string]any)
	if !ok {
		return
	}
	switch msg.Type {
	case events.TypeDeviceStatus:
		kind, _ := data["kind"].(string)
		key, _ := data["key"].(string)
		if kind == "" || key == "" {
			return
		}
		ref := store.DeviceRef{Kind: store.DeviceKind(kind), Key: key}
		b.publish(deviceTopic(b.prefix, ref), mustJSON(map[string]any{
			"status":   data["status"],
			"previous": data["previous"],
			"at":       data["at"],
		}), true)
	case events.TypeGroupStatus:
		id, _ := data["id"].(string)
		status, _ := data["status"].(string)
		if id == "" {
			return
		}
		b.publishGroupState(id, store.GroupStatus(status))
	}
}

func (b *Bridge) publishGroupState(id string, status store.GroupStatus) {
	b.publish(groupTopic(b.prefix, id), mustJSON(map[string]string{
		"state":  haAlarmState(status),
		"status": string(status),
	}), true)
}

func (b *Bridge) publishGroupStates() {
	groups, err := b.inv.ListGroups()
	if err != nil {
		b.logger.Error("list groups for state", "err", err)
		return
	}
	for _, g := range groups {
		b.publishGroupState(g.ID, g.Status)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

// syncDiscovery announces every group and device and retracts entities
// announced earlier whose group or device no longer exists.
func (b *Bridge) syncDiscovery() {
	msgs, nodes, err := b.buildAllDiscovery()
	if err != nil {
		b.logger.Error("build discovery", "err", err)
		return
	}
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}

	b.mu.Lock()
	var stale []string
	for nodeID := range b.announced {
		if !nodes[nodeID] {
			stale = append(stale, nodeID)
		}
	}
	b.announced = nodes
	b.mu.Unlock()

	for _, nodeID := range stale {
		for _, msg := range buildRemoveDiscovery(nodeID) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.logger.Debug("published HA discovery", "entities", len(msgs), "removed", len(stale))
}

func (b *Bridge) buildAllDiscovery() ([]discoveryMsg, map[string]bool, error) {
	var msgs []discoveryMsg
	nodes := make(map[string]bool)

	groups, err := b.inv.ListGroups()
	if err != nil {
		return nil, nil, fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		msgs = append(msgs, buildGroupDiscovery(g, b.prefix))
		nodes[groupIdentifier(g.ID)] = true
	}

	addDevice := func(ref store.DeviceRef, name string) {
		msgs = append(msgs, buildDeviceDiscovery(ref, name, b.prefix)...)
		nodes[deviceIdentifier(ref)] = true
	}
	cams, err := b.inv.ListCameras()
	if err != nil {
		return nil, nil, fmt.Errorf("list cameras: %w", err)
	}
	for _, c := range cams {
		addDevice(store.CameraRef(c.IP), c.Name)
	}
	reeds, err := b.inv.ListReeds()
	if err != nil {
		return nil, nil, fmt.Errorf("list reeds: %w", err)
	}
	for _, r := range reeds {
		addDevice(store.ReedRef(r.Pin), r.Name)
	}
	pirs, err := b.inv.ListPirs()
	if err != nil {
		return nil, nil, fmt.Errorf("list pirs: %w", err)
	}
	for _, p := range pirs {
		addDevice(store.PirRef(p.Pin), p.Name)
	}
	return msgs, nodes, nil
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/group/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		// Arming publishes and waits for acks, which must not happen on the
		// client's delivery goroutine.
		go b.handleCommand(msg.Topic(), msg.Payload())
	})
}

// handleCommand resolves the group from the topic by sanitized ID, so the
// topic segment and the stored ID may differ in case.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	segment := strings.TrimSuffix(strings.TrimPrefix(topic, b.prefix+"/group/"), "/set")
	groups, err := b.inv.ListGroups()
	if err != nil {
		b.logger.Error("list groups for command", "err", err)
		return
	}
	var id string
	for _, g := range groups {
		if sanitize(g.ID) == segment {
			id = g.ID
			break
		}
	}
	if id == "" {
		b.logger.Warn("command for unknown group", "topic", topic)
		return
	}

	cmd := strings.ToUpper(strings.TrimSpace(string(payload)))
	switch cmd {
	case cmdArmAway, cmdArmForce:
		err = b.arming.StartListening(id, cmd == cmdArmForce)
	case cmdDisarm:
		err = b.arming.StopListening(id)
	default:
		b.logger.Warn("unknown group command", "group", id, "command", cmd)
		return
	}
	if err != nil {
		b.logger.Warn("group command failed", "group", id, "command", cmd, "err", err)
		return
	}
	b.logger.Info("group command", "group", id, "command", cmd)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
