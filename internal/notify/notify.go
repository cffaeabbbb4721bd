// Package notify delivers outbound messages (magic links, summaries, alerts) through a
// pluggable transport. Delivery is best effort: failures are logged, never returned to the
// operation that produced the message.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Message kinds.
const (
	KindMagicLink      = "magic_link"
	KindEventCreated   = "event_created"
	KindStepCompleted  = "step_completed"
	KindStepTimedOut   = "step_timed_out"
	KindEventCompleted = "event_completed"
	KindManagementLink = "management_link"
)

type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
	Kind    string `json:"kind"`
}

type Transport interface {
	Send(ctx context.Context, m Message) error
}

// Notifier is what the engine depends on.
type Notifier interface {
	Notify(m Message)
}

// Log writes messages to a structured logger instead of sending them.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(_ context.Context, m Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", m.Kind, "to", m.To, "subject", m.Subject, "text", m.Text)
	return nil
}

// NATS publishes JSON encoded messages for an external mailer.
type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("gitdone"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	if subject == "" {
		subject = "gitdone.mail"
	}
	return &NATS{conn: nc, subject: subject}, nil
}

func (n *NATS) Send(_ context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	return n.conn.Publish(n.subject+"."+m.Kind, data)
}

func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// Dispatcher fans messages out to a transport from a fixed pool of workers.
type Dispatcher struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
	queue     chan Message

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(t Transport, workers, queue int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		transport: t,
		logger:    logger.With("component", "notify"),
		timeout:   30 * time.Second,
		queue:     make(chan Message, queue),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Notify queues m without blocking. When the queue is full the message is dropped.
func (d *Dispatcher) Notify(m Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notification dropped after close", "kind", m.Kind, "to", m.To)
		return
	}
	select {
	case d.queue <- m:
	default:
		d.logger.Warn("notification queue full, dropping", "kind", m.Kind, "to", m.To)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for m := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.transport.Send(ctx, m); err != nil {
			d.logger.Warn("notification failed", "kind", m.Kind, "to", m.To, "err", err)
		}
		cancel()
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Func adapts a function to Notifier.
type Func func(Message)

func (f Func) Notify(m Message) { f(m) }
