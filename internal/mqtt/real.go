package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sweeney/ecucore/internal/engine"
	"github.com/sweeney/ecucore/internal/ring"
)

// BufferSize is how many messages are held while the broker is unreachable.
const BufferSize = 256

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// disconnected are buffered and replayed, oldest first, on reconnection.
type RealPublisher struct {
	client paho.Client

	mu        sync.Mutex
	buf       *ring.Buffer[bufferedMsg]
	connected bool // seen at least one connection
}

// NewRealPublisher creates a publisher for the given broker. It connects in
// the background and keeps retrying; it never blocks on the network.
func NewRealPublisher(broker, clientID string) *RealPublisher {
	p := &RealPublisher{buf: ring.New[bufferedMsg](BufferSize)}

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "OFFLINE",
		Reason:    "LWT",
	})
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	p.client = paho.NewClient(opts)
	p.client.Connect()
	return p
}

// newPublisher wraps an existing client. Used by tests.
func newPublisher(client paho.Client, size int) *RealPublisher {
	return &RealPublisher{client: client, buf: ring.New[bufferedMsg](size)}
}

// Publish sends an engine event to the MQTT broker.
func (p *RealPublisher) Publish(event engine.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.send(bufferedMsg{topic: Topic, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) - lifecycle events must arrive
	return p.send(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

// PublishToothLog sends a tooth log capture to the MQTT broker.
func (p *RealPublisher) PublishToothLog(capture ToothLog) error {
	payload, err := FormatToothLogPayload(capture)
	if err != nil {
		return fmt.Errorf("format tooth log payload: %w", err)
	}
	return p.send(bufferedMsg{topic: TopicToothLog, payload: payload})
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	if !p.client.IsConnected() {
		p.buffer(msg)
		return nil
	}
	if err := p.publish(msg); err != nil {
		p.buffer(msg)
		return err
	}
	return nil
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

func (p *RealPublisher) buffer(msg bufferedMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	overflowed := p.buf.Overflowed()
	if p.buf.Push(msg) && !overflowed {
		log.Printf("mqtt: buffer full (%d messages), dropping oldest", p.buf.Cap())
	}
}

// onConnect replays buffered messages and announces a reconnection.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	pending := p.buf.DrainAll()
	reconnect := p.connected
	p.connected = true
	p.mu.Unlock()

	if reconnect {
		log.Printf("mqtt: reconnected, replaying %d buffered messages", len(pending))
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		if err := p.publish(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1}); err != nil {
			log.Printf("mqtt: %v", err)
		}
	} else {
		log.Printf("mqtt: connected")
	}

	for i, msg := range pending {
		if err := p.publish(msg); err != nil {
			log.Printf("mqtt: replay stopped: %v", err)
			for _, m := range pending[i:] {
				p.buffer(m)
			}
			return
		}
	}
}

// Buffered returns the number of messages waiting for the broker.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

// IsConnected reports whether the client is connected to the broker.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
