// Package notify delivers patient-facing queue notifications. Delivery is
// fire-and-forget: failures are logged and counted, never returned to the
// scheduling path.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinicflow/internal/observability/metrics"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

// Kind identifies the notification template.
type Kind string

const (
	KindCalled             Kind = "called"
	KindComeEarlyOffer     Kind = "come_early_offer"
	KindWaitlistPromoted   Kind = "waitlist_promoted"
	KindReturnedToWaitlist Kind = "returned_to_waitlist"
)

// Message is one notification for one patient.
type Message struct {
	Kind      Kind      `json:"kind"`
	ClinicID  string    `json:"clinic_id"`
	EntryID   uuid.UUID `json:"entry_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// Sink delivers a message to a patient.
type Sink interface {
	Notify(ctx context.Context, patientID uuid.UUID, msg Message) error
}

// namer is implemented by sinks that want a metrics label.
type namer interface {
	Name() string
}

// LogSink logs but doesn't send.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a log-only sink.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

// Notify logs the message.
func (s *LogSink) Notify(_ context.Context, patientID uuid.UUID, msg Message) error {
	s.logger.Info("notify: would send", "patient_id", patientID.String(), "kind", string(msg.Kind),
		"clinic_id", msg.ClinicID, "body_preview", truncate(msg.Body, 50))
	return nil
}

const (
	defaultBufferSize  = 256
	defaultSendTimeout = 5 * time.Second
)

// Dispatcher queues messages and delivers them on a background worker so
// callers never block on the sink.
type Dispatcher struct {
	sink    Sink
	ch      chan Message
	timeout time.Duration
	logger  *logging.Logger
	metrics *metrics.QueueMetrics

	once sync.Once
	wg   sync.WaitGroup
	stop chan struct{}
}

func NewDispatcher(sink Sink, logger *logging.Logger, m *metrics.QueueMetrics) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	return &Dispatcher{
		sink:    sink,
		ch:      make(chan Message, defaultBufferSize),
		timeout: defaultSendTimeout,
		logger:  logger,
		metrics: m,
		stop:    make(chan struct{}),
	}
}

// Start launches the delivery worker. It exits when ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				d.drain(context.Background())
				return
			case msg := <-d.ch:
				d.deliver(ctx, msg)
			}
		}
	}()
}

// Stop delivers whatever is buffered and waits for the worker.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// Send enqueues msg. Guests without a patient id are skipped; a full
// buffer drops the message.
func (d *Dispatcher) Send(msg Message) {
	if msg.PatientID == uuid.Nil {
		return
	}
	select {
	case d.ch <- msg:
	default:
		d.metrics.ObserveNotification(d.sinkName(), "dropped")
		d.logger.Warn("notify: buffer full, dropping message", "kind", string(msg.Kind), "entry_id", msg.EntryID.String())
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case msg := <-d.ch:
			d.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sink.Notify(ctx, msg.PatientID, msg); err != nil {
		d.metrics.ObserveNotification(d.sinkName(), "failed")
		d.logger.Error("notify: delivery failed", "error", err, "kind", string(msg.Kind),
			"clinic_id", msg.ClinicID, "entry_id", msg.EntryID.String())
		return
	}
	d.metrics.ObserveNotification(d.sinkName(), "sent")
}

func (d *Dispatcher) sinkName() string {
	if n, ok := d.sink.(namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", d.sink)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var _ Sink = (*LogSink)(nil)
