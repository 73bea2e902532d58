package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/crm"
	"github.com/tagers/ops-platform/pkg/kv"
	"github.com/tagers/ops-platform/pkg/queue"
	"github.com/tagers/ops-platform/pkg/ratelimit"
)

type fakeCRM struct {
	sent []string
	err  error
}

func (f *fakeCRM) SendMessage(_ context.Context, _, _, text string, _ bool) (crm.Message, error) {
	if f.err != nil {
		return crm.Message{}, f.err
	}
	f.sent = append(f.sent, text)
	return crm.Message{ID: "m-1", Content: text, Type: crm.MessageOutgoing, CreatedAt: time.Now()}, nil
}

func (f *fakeCRM) FetchMessages(context.Context, string, string, int) ([]crm.Message, error) {
	return nil, nil
}

func (f *fakeCRM) TouchConversation(context.Context, string, string) error { return nil }

func (f *fakeCRM) GetConversation(context.Context, string, string) (crm.Conversation, error) {
	return crm.Conversation{}, nil
}

type fakeAlerting struct {
	severities []string
	bodies     []string
	err        error
}

func (f *fakeAlerting) SendAlert(_ context.Context, severity, _, body, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.severities = append(f.severities, severity)
	f.bodies = append(f.bodies, body)
	return nil
}

// noQuietHours is a window that never matches (Start == End).
var noQuietHours = QuietHours{Start: 0, End: 0}

// quietNow builds a window that contains the current hour in loc.
func quietNow(loc *time.Location) QuietHours {
	h := time.Now().In(loc).Hour()
	return QuietHours{Start: h, End: (h + 2) % 24}
}

func newTestGateway(crmClient crm.Client, alerting AlertingChannel, qh QuietHours, maxPerDay int64) (*Gateway, *queue.Queue) {
	q := queue.New(nil, "outbound")
	limits := ratelimit.New(kv.NewMemoryStore())
	return New(nil, limits, crmClient, nil, alerting, q, nil, qh, maxPerDay), q
}

func testRecipient() Recipient {
	return Recipient{ID: "+5215512345678", AccountID: "acc-1", ConversationID: "c-1", Timezone: time.UTC}
}

func TestQuietHoursContains(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 7, 1, hour, 30, 0, 0, time.UTC)
	}

	sameDay := QuietHours{Start: 22, End: 23}
	assert.True(t, sameDay.contains(at(22)))
	assert.False(t, sameDay.contains(at(23)))
	assert.False(t, sameDay.contains(at(8)))

	wrapped := QuietHours{Start: 22, End: 8}
	assert.True(t, wrapped.contains(at(23)))
	assert.True(t, wrapped.contains(at(3)))
	assert.False(t, wrapped.contains(at(12)))

	assert.False(t, noQuietHours.contains(at(0)), "empty window never matches")
}

func TestQuietHoursNextWindowEnd(t *testing.T) {
	wrapped := QuietHours{Start: 22, End: 8}

	evening := time.Date(2026, 7, 1, 23, 15, 0, 0, time.UTC)
	end := wrapped.nextWindowEnd(evening)
	assert.Equal(t, time.Date(2026, 7, 2, 8, 0, 0, 0, time.UTC), end)

	earlyMorning := time.Date(2026, 7, 2, 3, 0, 0, 0, time.UTC)
	end = wrapped.nextWindowEnd(earlyMorning)
	assert.Equal(t, time.Date(2026, 7, 2, 8, 0, 0, 0, time.UTC), end)
}

func TestSend_TextChannelDispatchesToCRM(t *testing.T) {
	crmClient := &fakeCRM{}
	g, _ := newTestGateway(crmClient, nil, noQuietHours, 100)

	res, err := g.Send(context.Background(), testRecipient(), "your order is confirmed", ChannelText, "order_update")
	require.NoError(t, err)
	assert.True(t, res.Sent)
	require.Len(t, crmClient.sent, 1)
	assert.Equal(t, "your order is confirmed", crmClient.sent[0])
}

func TestSend_DailyCapDeniesWithoutError(t *testing.T) {
	crmClient := &fakeCRM{}
	g, _ := newTestGateway(crmClient, nil, noQuietHours, 1)
	ctx := context.Background()

	res, err := g.Send(ctx, testRecipient(), "first", ChannelText, "order_update")
	require.NoError(t, err)
	assert.True(t, res.Sent)

	res, err = g.Send(ctx, testRecipient(), "second", ChannelText, "order_update")
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, "daily_cap_exceeded", res.Reason)
	assert.Len(t, crmClient.sent, 1, "the capped send must not reach the channel")
}

func TestSend_QuietHoursReschedulesNotDrops(t *testing.T) {
	crmClient := &fakeCRM{}
	g, q := newTestGateway(crmClient, nil, quietNow(time.UTC), 100)

	res, err := g.Send(context.Background(), testRecipient(), "buenas noches", ChannelText, "order_update")
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, "quiet_hours_rescheduled", res.Reason)
	assert.Empty(t, crmClient.sent)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed, "the deferred send must be queued as a delayed job")
}

func TestSend_UnknownChannelFails(t *testing.T) {
	g, _ := newTestGateway(&fakeCRM{}, nil, noQuietHours, 100)

	_, err := g.Send(context.Background(), testRecipient(), "hola", Channel("carrier-pigeon"), "order_update")
	require.Error(t, err)
}

func TestSend_UnconfiguredChannelFailsDescriptively(t *testing.T) {
	g, _ := newTestGateway(nil, nil, noQuietHours, 100)

	_, err := g.Send(context.Background(), testRecipient(), "hola", ChannelText, "order_update")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestSend_ChannelErrorPropagates(t *testing.T) {
	crmClient := &fakeCRM{err: errors.New("crm 503")}
	g, _ := newTestGateway(crmClient, nil, noQuietHours, 100)

	_, err := g.Send(context.Background(), testRecipient(), "hola", ChannelText, "order_update")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm 503")
}

func TestSendAlert_RoutesToAlertingChannel(t *testing.T) {
	alerting := &fakeAlerting{}
	g, _ := newTestGateway(nil, alerting, noQuietHours, 100)

	require.NoError(t, g.SendAlert(context.Background(), "high", "detector fired", "volume spike", "fp-1"))
	require.Len(t, alerting.severities, 1)
	assert.Equal(t, "high", alerting.severities[0])

	gNoAlerting, _ := newTestGateway(nil, nil, noQuietHours, 100)
	require.Error(t, gNoAlerting.SendAlert(context.Background(), "high", "t", "b", "fp"))
}

func TestHandleQuietHoursJob_ReexecutesSend(t *testing.T) {
	crmClient := &fakeCRM{}
	g, _ := newTestGateway(crmClient, nil, noQuietHours, 100)

	payload, err := json.Marshal(sendPayload{
		RecipientID:    "+5215512345678",
		AccountID:      "acc-1",
		ConversationID: "c-1",
		Timezone:       "UTC",
		Message:        "deferred hello",
		Channel:        string(ChannelText),
		Category:       "order_update",
	})
	require.NoError(t, err)

	err = g.HandleQuietHoursJob(context.Background(), &queue.Job{JobID: "j-1", Name: QuietHoursJobName, Data: payload})
	require.NoError(t, err)
	require.Len(t, crmClient.sent, 1)
	assert.Equal(t, "deferred hello", crmClient.sent[0])
}

func TestHandleQuietHoursJob_BadPayloadFails(t *testing.T) {
	g, _ := newTestGateway(&fakeCRM{}, nil, noQuietHours, 100)

	err := g.HandleQuietHoursJob(context.Background(), &queue.Job{JobID: "j-1", Data: json.RawMessage(`{not json`)})
	require.Error(t, err)
}
