// Package events receives out-of-band text events (experiment markers and
// remote-control commands) and queues them, stamped with local time, for
// the recorder.
package events

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/large-farva/forcedaq/internal/timer"
)

// Message is a raw event as delivered by a backend. Backends given a timer
// stamp the receipt time; unstamped messages are stamped when polled.
type Message struct {
	Payload string
	Source  string
	Time    int64
	Stamped bool
}

func newMessage(tm *timer.Timer, payload, source string) Message {
	m := Message{Payload: payload, Source: source}
	if tm != nil {
		m.Time = tm.Millis()
		m.Stamped = true
	}
	return m
}

// Backend delivers messages without blocking.
type Backend interface {
	// Poll returns the next pending message, if any.
	Poll() (Message, bool)
	Close() error
}

// ErrClosed is returned when sending on a closed loopback backend.
var ErrClosed = errors.New("backend closed")

// Loopback is an in-process backend. The daemon uses it when no network
// backend is configured so events can still be injected over the API.
type Loopback struct {
	mu     sync.Mutex
	timer  *timer.Timer
	msgs   chan Message
	closed bool
}

// NewLoopback returns a loopback holding up to size pending messages,
// stamped on tm when it is not nil.
func NewLoopback(size int, tm *timer.Timer) *Loopback {
	if size < 1 {
		size = 1
	}
	return &Loopback{timer: tm, msgs: make(chan Message, size)}
}

// Send queues payload. It fails instead of blocking when the queue is full.
func (l *Loopback) Send(payload string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.msgs <- newMessage(l.timer, payload, "loopback"):
		return nil
	default:
		return errors.New("loopback queue full")
	}
}

// Pending returns the number of messages not yet polled.
func (l *Loopback) Pending() int { return len(l.msgs) }

func (l *Loopback) Poll() (Message, bool) {
	select {
	case m := <-l.msgs:
		return m, true
	default:
		return Message{}, false
	}
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// UDP receives one event per datagram.
type UDP struct {
	conn  *net.UDPConn
	timer *timer.Timer
	msgs  chan Message
	log   *zap.SugaredLogger
	done  chan struct{}
}

// ListenUDP binds addr and starts reading datagrams. Each datagram is
// stamped on tm as it is read.
func ListenUDP(addr string, queue int, tm *timer.Timer, logger *zap.SugaredLogger) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	u := &UDP{
		conn:  conn,
		timer: tm,
		msgs:  make(chan Message, queue),
		log:   logger,
		done:  make(chan struct{}),
	}
	go u.readLoop()
	return u, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

func (u *UDP) readLoop() {
	defer close(u.done)
	buf := make([]byte, 64*1024)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				u.log.Warnw("udp read", "error", err)
			}
			return
		}
		u.msgs <- newMessage(u.timer, string(buf[:n]), from.String())
	}
}

func (u *UDP) Poll() (Message, bool) {
	select {
	case m := <-u.msgs:
		return m, true
	default:
		return Message{}, false
	}
}

func (u *UDP) Close() error {
	err := u.conn.Close()
	// Unblock a reader stuck on a full queue.
	for {
		select {
		case <-u.done:
			return err
		case <-u.msgs:
		}
	}
}

// MQTT receives events published on a broker topic.
type MQTT struct {
	client  mqtt.Client
	topic   string
	timer   *timer.Timer
	log     *zap.SugaredLogger
	msgs    chan Message
	dropped atomic.Int64
}

// MQTTOptions configure DialMQTT.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Topic    string
	Queue    int
	Timeout  time.Duration
	Timer    *timer.Timer
	Logger   *zap.SugaredLogger
}

// DialMQTT connects to the broker and subscribes to the topic.
func DialMQTT(o MQTTOptions) (*MQTT, error) {
	broker, timeout := o.Broker, o.Timeout
	m := newMQTT(o)

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(o.ClientID).
		SetConnectTimeout(timeout)
	m.client = mqtt.NewClient(opts)

	if token := m.client.Connect(); !token.WaitTimeout(timeout) || token.Error() != nil {
		if token.Error() != nil {
			return nil, token.Error()
		}
		return nil, errors.New("mqtt connect timed out")
	}

	token := m.client.Subscribe(m.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		m.deliver(msg)
	})
	if !token.WaitTimeout(timeout) || token.Error() != nil {
		m.client.Disconnect(250)
		if token.Error() != nil {
			return nil, token.Error()
		}
		return nil, errors.New("mqtt subscribe timed out")
	}
	return m, nil
}

func newMQTT(o MQTTOptions) *MQTT {
	queue := o.Queue
	if queue < 1 {
		queue = 1
	}
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MQTT{topic: o.Topic, timer: o.Timer, log: logger, msgs: make(chan Message, queue)}
}

// deliver runs on paho's router goroutine and must not block it. Messages
// arriving on a full queue are dropped and counted.
func (m *MQTT) deliver(msg mqtt.Message) {
	select {
	case m.msgs <- newMessage(m.timer, string(msg.Payload()), msg.Topic()):
	default:
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			m.log.Warnw("event queue full, dropping mqtt message", "topic", msg.Topic(), "dropped", n)
		}
	}
}

// Dropped returns the number of messages lost to a full queue.
func (m *MQTT) Dropped() int64 { return m.dropped.Load() }

func (m *MQTT) Poll() (Message, bool) {
	select {
	case msg := <-m.msgs:
		return msg, true
	default:
		return Message{}, false
	}
}

func (m *MQTT) Close() error {
	m.client.Unsubscribe(m.topic).WaitTimeout(time.Second)
	m.client.Disconnect(250)
	return nil
}
