package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinicflow/internal/observability/metrics"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (r *recordingSink) Notify(_ context.Context, patientID uuid.UUID, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func patientEntry() *queue.Entry {
	start := now.Add(time.Hour)
	return &queue.Entry{
		ID:             uuid.New(),
		ClinicID:       "clinic-1",
		PatientID:      queue.UUIDPtr(uuid.New()),
		ScheduledStart: start,
		ScheduledEnd:   start.Add(30 * time.Minute),
		Status:         queue.StatusScheduled,
	}
}

func TestDispatcherDelivers(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, logging.Discard(), metrics.NewQueueMetrics(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	msg, ok := CalledMessage(patientEntry(), now)
	require.True(t, ok)
	d.Send(msg)

	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	d.Stop()
}

func TestDispatcherSkipsGuestsAndSurvivesFailures(t *testing.T) {
	sink := &recordingSink{err: errors.New("sms gateway down")}
	d := NewDispatcher(sink, logging.Discard(), nil)
	d.Start(context.Background())

	guest := patientEntry()
	guest.PatientID = nil
	_, ok := CalledMessage(guest, now)
	assert.False(t, ok)

	d.Send(Message{Kind: KindCalled})
	msg, _ := CalledMessage(patientEntry(), now)
	d.Send(msg)
	d.Stop()
	assert.Equal(t, 0, sink.count())
}

func TestDispatcherStopDrainsBuffer(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, logging.Discard(), nil)
	for i := 0; i < 3; i++ {
		msg, _ := CalledMessage(patientEntry(), now)
		d.Send(msg)
	}
	d.Start(context.Background())
	d.Stop()
	assert.Equal(t, 3, sink.count())
}

func TestMessages(t *testing.T) {
	e := patientEntry()
	e.HoldUntil = queue.TimePtr(now.Add(time.Hour))
	msg, ok := PromotedMessage(e, time.UTC, now)
	require.True(t, ok)
	assert.Equal(t, KindWaitlistPromoted, msg.Kind)
	assert.Contains(t, msg.Body, "Mon 3/10 10:00AM")
	assert.Contains(t, msg.Body, "Confirm by 10:00AM")

	msg, ok = ComeEarlyMessage(e, now.Add(15*time.Minute), now.Add(30*time.Minute), time.UTC, now)
	require.True(t, ok)
	assert.Contains(t, msg.Body, "9:15AM")
	assert.Equal(t, *e.PatientID, msg.PatientID)

	ref := uuid.New()
	msg, ok = ReturnedToWaitlistMessage(e, ref, now)
	require.True(t, ok)
	assert.Contains(t, msg.Body, ref.String()[:8])
}

type fakeSQS struct {
	input *sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = in
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSSink(t *testing.T) {
	api := &fakeSQS{}
	sink := NewSQSSink(api, "https://sqs.local/queue")
	e := patientEntry()
	msg, _ := CalledMessage(e, now)

	require.NoError(t, sink.Notify(context.Background(), *e.PatientID, msg))
	assert.Equal(t, "https://sqs.local/queue", aws.ToString(api.input.QueueUrl))
	assert.Equal(t, "called", aws.ToString(api.input.MessageAttributes["kind"].StringValue))

	var decoded Message
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(api.input.MessageBody)), &decoded))
	assert.Equal(t, e.ID, decoded.EntryID)
	assert.Equal(t, *e.PatientID, decoded.PatientID)
}
