package services

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/twcharge/ocpp-cs/ocpp"
)

// MQTTPublisher mirrors live status and lifecycle events to an MQTT
// broker for the ops dashboard. The whole feature is optional: an empty
// broker URL yields a nil publisher and every method is nil-safe at the
// call sites through the EventSink interface.
type MQTTPublisher struct {
	client   mqtt.Client
	cache    *LiveStatusCache
	registry *ocpp.Registry
	stopCh   chan struct{}
}

func NewMQTTPublisher(broker, username, password string, cache *LiveStatusCache, registry *ocpp.Registry) (*MQTTPublisher, error) {
	if broker == "" {
		return nil, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("ocpp-cs-%d", time.Now().Unix())).
		SetUsername(username).
		SetPassword(password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(false)

	opts.OnConnect = func(c mqtt.Client) {
		log.Printf("[MQTT] connected to %s", broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Printf("[MQTT] connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %v", broker, token.Error())
	}

	return &MQTTPublisher{
		client:   client,
		cache:    cache,
		registry: registry,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start publishes a retained live-status snapshot for every connected
// charge point on a fixed cadence.
func (p *MQTTPublisher) Start() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, cpID := range p.registry.ConnectedIDs() {
				snap, ok := p.cache.Snapshot(cpID)
				if !ok {
					continue
				}
				p.publish("ocpp/"+cpID+"/live-status", snap, true)
			}
		case <-p.stopCh:
			return
		}
	}
}

func (p *MQTTPublisher) Stop() {
	close(p.stopCh)
	p.client.Disconnect(250)
}

// PublishEvent implements EventSink.
func (p *MQTTPublisher) PublishEvent(cpID, event string, detail map[string]any) {
	msg := map[string]any{
		"event":     event,
		"timestamp": NowUTC(),
	}
	for k, v := range detail {
		msg[k] = v
	}
	p.publish("ocpp/"+cpID+"/events", msg, false)
}

func (p *MQTTPublisher) publish(topic string, payload any, retained bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	token := p.client.Publish(topic, 0, retained, data)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] publish %s failed: %v", topic, token.Error())
		}
	}()
}
