package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/rack-monitor/internal/lifecycle"
)

const (
	bufferCapacity = 256
	publishTimeout = 5 * time.Second
)

// RealPublisher publishes to an actual MQTT broker. While the broker is
// unreachable, messages are kept in a ring buffer and replayed in order
// once the connection is back.
type RealPublisher struct {
	client paho.Client

	mu       sync.Mutex
	buf      *ringBuffer
	flushing bool
	connects int
	now      func() time.Time
}

// NewRealPublisher creates a publisher for the given broker. It does not
// wait for the first connection; paho keeps retrying in the background and
// anything published meanwhile is buffered.
func NewRealPublisher(broker, clientID string) *RealPublisher {
	p := &RealPublisher{buf: newRingBuffer(bufferCapacity), now: time.Now}

	will, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetConnectTimeout(10*time.Second).
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
func newPublisher(client paho.Client, now func() time.Time) *RealPublisher {
	return &RealPublisher{client: client, buf: newRingBuffer(bufferCapacity), now: now}
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Publish sends a rack event to the MQTT broker.
func (p *RealPublisher) Publish(event lifecycle.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	// QoS 1: permit and overfill transitions matter to the site log.
	return p.send(bufferedMsg{topic: Topic, payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	return p.send(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	p.mu.Lock()
	if !p.client.IsConnectionOpen() {
		p.buf.push(msg)
		p.mu.Unlock()
		return nil
	}
	if p.buf.len() > 0 || p.flushing {
		// Keep ordering behind anything still waiting for a flush.
		p.buf.push(msg)
		p.mu.Unlock()
		p.flush()
		return nil
	}
	p.mu.Unlock()

	if err := p.publish(msg); err != nil {
		p.mu.Lock()
		p.buf.push(msg)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// onConnect runs on every successful (re)connection: it announces the
// reconnection and replays the buffer.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	p.connects++
	reconnect := p.connects > 1
	p.mu.Unlock()

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		if err := p.publish(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1}); err != nil {
			log.Printf("mqtt: %v", err)
		}
	}
	p.flush()
}

// flush replays buffered messages oldest first until the buffer is empty.
// Only one flush runs at a time. A failure puts the unsent tail back at
// the front of the buffer.
func (p *RealPublisher) flush() {
	p.mu.Lock()
	if p.flushing {
		p.mu.Unlock()
		return
	}
	p.flushing = true
	p.mu.Unlock()

	for {
		p.mu.Lock()
		pending := p.buf.drainAll()
		if len(pending) == 0 {
			p.flushing = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if len(pending) > 1 {
			log.Printf("mqtt: flushing %d buffered messages", len(pending))
		}
		for i, msg := range pending {
			if err := p.publish(msg); err != nil {
				log.Printf("mqtt: flush stopped: %v", err)
				p.mu.Lock()
				rest := append(pending[i:], p.buf.drainAll()...)
				for _, m := range rest {
					p.buf.push(m)
				}
				p.flushing = false
				p.mu.Unlock()
				return
			}
		}
	}
}

// Buffered returns the number of messages waiting for the broker.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close flushes what it can and disconnects from the broker.
func (p *RealPublisher) Close() error {
	if p.client.IsConnectionOpen() {
		p.flush()
	}
	if n := p.Buffered(); n > 0 {
		log.Printf("mqtt: closing with %d unsent messages", n)
	}
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
