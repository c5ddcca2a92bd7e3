// Package notify delivers buyer notifications off the request path.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kind classifies a notification.
type Kind string

const (
	KindPaymentConfirmed Kind = "payment_confirmed"
	KindOrderStatus      Kind = "order_status"
)

// Message is a single notification to a phone number.
type Message struct {
	Kind    Kind
	OrderID string
	To      string
	Body    string
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
}

// Dispatcher is a bounded queue drained by a fixed set of workers.
type Dispatcher struct {
	sender  Sender
	lg      *zap.Logger
	queue   chan Message
	workers int
	timeout time.Duration
}

// NewDispatcher creates a Dispatcher. Call Run to start the workers.
func NewDispatcher(sender Sender, lg *zap.Logger, opts Options) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		sender:  sender,
		lg:      lg.Named("notify"),
		queue:   make(chan Message, opts.QueueSize),
		workers: opts.Workers,
		timeout: opts.SendTimeout,
	}
}

// Enqueue queues m without blocking. It returns false and drops m when the
// queue is full.
func (d *Dispatcher) Enqueue(m Message) bool {
	select {
	case d.queue <- m:
		return true
	default:
		d.lg.Warn("Notification queue full, dropping message",
			zap.String("kind", string(m.Kind)),
			zap.String("order_id", m.OrderID),
		)
		return false
	}
}

// Backlog reports queued messages and the queue capacity.
func (d *Dispatcher) Backlog() (queued, capacity int) {
	return len(d.queue), cap(d.queue)
}

// Run processes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range d.workers {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	err := g.Wait()
	if n := len(d.queue); n > 0 {
		d.lg.Warn("Notifications left undelivered at shutdown", zap.Int("count", n))
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-d.queue:
			d.send(ctx, m)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, m Message) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.sender.Send(ctx, m); err != nil {
		d.lg.Error("Send notification",
			zap.Error(err),
			zap.String("kind", string(m.Kind)),
			zap.String("order_id", m.OrderID),
		)
		return
	}
	d.lg.Debug("Notification sent",
		zap.String("kind", string(m.Kind)),
		zap.String("order_id", m.OrderID),
	)
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	lg *zap.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(lg *zap.Logger) *LogSender {
	return &LogSender{lg: lg}
}

func (s *LogSender) Send(_ context.Context, m Message) error {
	s.lg.Info("Notification",
		zap.String("kind", string(m.Kind)),
		zap.String("order_id", m.OrderID),
		zap.String("to", m.To),
		zap.String("body", m.Body),
	)
	return nil
}
