// Package outbound is the outbound gateway: a uniform send(recipient,
// message, channel) in front of pluggable channel collaborators, gated by
// quiet-hours, a per-recipient daily cap, and the opt-out registry before
// any channel is touched.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tagers/ops-platform/pkg/audit"
	"github.com/tagers/ops-platform/pkg/crm"
	"github.com/tagers/ops-platform/pkg/queue"
	"github.com/tagers/ops-platform/pkg/ratelimit"
)

// Channel names a pluggable outbound transport.
type Channel string

const (
	ChannelText     Channel = "text"     // CRM conversation message
	ChannelPush     Channel = "push"     // mobile push notification
	ChannelAlerting Channel = "alerting" // internal Slack alert
)

// QuietHoursJobName is the queue job used to reschedule a send past the
// recipient's quiet-hours window.
const QuietHoursJobName = "outbound_send"

// Recipient carries what the gateway needs to resolve quiet hours, the
// daily cap key, and the CRM/push destination.
type Recipient struct {
	ID             string // cap/opt-out key, e.g. phone or CRM contact id
	AccountID      string
	ConversationID string
	PushToken      string
	Timezone       *time.Location
}

// Pusher is the push-notification channel collaborator; callers wire a
// provider-specific adapter.
type Pusher interface {
	Push(ctx context.Context, token, title, body string) error
}

// Result reports whether the message left, and if not, why.
type Result struct {
	Sent   bool
	Reason string
}

// QuietHours is a process-wide window, checked in the recipient's
// timezone. Start/End are hours-of-day, 0-23; a window that wraps
// midnight (Start > End) is supported.
type QuietHours struct {
	Start int
	End   int
}

func (q QuietHours) contains(t time.Time) bool {
	h := t.Hour()
	if q.Start == q.End {
		return false
	}
	if q.Start < q.End {
		return h >= q.Start && h < q.End
	}
	return h >= q.Start || h < q.End
}

// nextWindowEnd returns the next time QuietHours ends at or after t,
// assuming t falls inside the window.
func (q QuietHours) nextWindowEnd(t time.Time) time.Time {
	end := time.Date(t.Year(), t.Month(), t.Day(), q.End, 0, 0, 0, t.Location())
	if q.Start >= q.End && t.Hour() >= q.Start {
		end = end.Add(24 * time.Hour)
	}
	if !end.After(t) {
		end = end.Add(24 * time.Hour)
	}
	return end
}

// Gateway is the outbound gateway. Quiet hours and the daily cap are process-wide
// configuration; opt-outs are looked up per (recipient, category).
type Gateway struct {
	pool       *pgxpool.Pool
	limits     *ratelimit.Limiter
	crmClient  crm.Client
	pusher     Pusher
	alerting   AlertingChannel
	q          *queue.Queue
	auditRec   *audit.Recorder
	log        *slog.Logger
	quietHours QuietHours
	maxPerDay  int64
}

// AlertingChannel is the subset of pkg/slack.Service the gateway needs,
// kept as an interface so tests can substitute a fake without pulling in
// a real Slack client.
type AlertingChannel interface {
	SendAlert(ctx context.Context, severity, title, body, fingerprint string) error
}

// New builds a Gateway. pusher and alerting may be nil if those channels
// aren't configured; Send returns a descriptive failure reason rather than
// panicking when an unconfigured channel is targeted.
func New(pool *pgxpool.Pool, limits *ratelimit.Limiter, crmClient crm.Client, pusher Pusher, alerting AlertingChannel, q *queue.Queue, auditRec *audit.Recorder, quietHours QuietHours, maxPerDay int64) *Gateway {
	return &Gateway{
		pool:       pool,
		limits:     limits,
		crmClient:  crmClient,
		pusher:     pusher,
		alerting:   alerting,
		q:          q,
		auditRec:   auditRec,
		log:        slog.With("component", "outbound"),
		quietHours: quietHours,
		maxPerDay:  maxPerDay,
	}
}

// sendPayload is what's queued for a delayed (quiet-hours-deferred) send.
type sendPayload struct {
	RecipientID    string `json:"recipient_id"`
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
	PushToken      string `json:"push_token"`
	Timezone       string `json:"timezone"`
	Message        string `json:"message"`
	Channel        string `json:"channel"`
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	Fingerprint    string `json:"fingerprint"`
}

// Send applies the outbound gates in order: quiet-hours check (reschedule via a
// delayed job, never drop), daily cap check (via the rate limiter), opt-out check
// (drop with audit), then dispatch to the named channel.
func (g *Gateway) Send(ctx context.Context, recipient Recipient, message string, channel Channel, category string) (Result, error) {
	loc := recipient.Timezone
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)

	if g.quietHours.contains(now) {
		delay := g.quietHours.nextWindowEnd(now).Sub(now)
		if err := g.reschedule(ctx, recipient, message, channel, category, delay); err != nil {
			return Result{}, fmt.Errorf("outbound: reschedule past quiet hours: %w", err)
		}
		return Result{Sent: false, Reason: "quiet_hours_rescheduled"}, nil
	}

	allowed, err := g.checkDailyCap(ctx, recipient.ID, now)
	if err != nil {
		return Result{}, fmt.Errorf("outbound: daily cap check: %w", err)
	}
	if !allowed {
		g.recordAudit(ctx, recipient.ID, "outbound.rate_limited", category)
		return Result{Sent: false, Reason: "daily_cap_exceeded"}, nil
	}

	optedOut, err := g.isOptedOut(ctx, recipient.ID, category)
	if err != nil {
		return Result{}, fmt.Errorf("outbound: opt-out check: %w", err)
	}
	if optedOut {
		g.recordAudit(ctx, recipient.ID, "outbound.opted_out", category)
		return Result{Sent: false, Reason: "opted_out"}, nil
	}

	if err := g.dispatch(ctx, recipient, message, channel, "", ""); err != nil {
		return Result{}, fmt.Errorf("outbound: dispatch on %s: %w", channel, err)
	}
	if err := g.recordSend(ctx, recipient.ID, string(channel), category, now); err != nil {
		g.log.Warn("failed to record outbound send for cap accounting", "error", err)
	}
	return Result{Sent: true}, nil
}

// SendAlert is the alerting-channel convenience path the messaging
// pipeline's frustration escalation uses:
// severity and fingerprint thread through to the Slack collaborator
// without going through the daily-cap/opt-out checks, which apply to
// customer-facing sends, not internal operator alerts.
func (g *Gateway) SendAlert(ctx context.Context, severity, title, body, fingerprint string) error {
	if g.alerting == nil {
		return fmt.Errorf("outbound: alerting channel not configured")
	}
	return g.alerting.SendAlert(ctx, severity, title, body, fingerprint)
}

func (g *Gateway) dispatch(ctx context.Context, recipient Recipient, message string, channel Channel, severity, fingerprint string) error {
	switch channel {
	case ChannelText:
		if g.crmClient == nil {
			return fmt.Errorf("text channel not configured")
		}
		_, err := g.crmClient.SendMessage(ctx, recipient.AccountID, recipient.ConversationID, message, false)
		return err
	case ChannelPush:
		if g.pusher == nil {
			return fmt.Errorf("push channel not configured")
		}
		return g.pusher.Push(ctx, recipient.PushToken, "", message)
	case ChannelAlerting:
		if g.alerting == nil {
			return fmt.Errorf("alerting channel not configured")
		}
		return g.alerting.SendAlert(ctx, severity, "Alert", message, fingerprint)
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}
}

func (g *Gateway) reschedule(ctx context.Context, recipient Recipient, message string, channel Channel, category string, delay time.Duration) error {
	tz := "UTC"
	if recipient.Timezone != nil {
		tz = recipient.Timezone.String()
	}
	payload := sendPayload{
		RecipientID:    recipient.ID,
		AccountID:      recipient.AccountID,
		ConversationID: recipient.ConversationID,
		PushToken:      recipient.PushToken,
		Timezone:       tz,
		Message:        message,
		Channel:        string(channel),
		Category:       category,
	}
	_, err := g.q.Add(ctx, QuietHoursJobName, payload, queue.AddOptions{Delay: delay})
	return err
}

func (g *Gateway) checkDailyCap(ctx context.Context, recipientID string, now time.Time) (bool, error) {
	if g.maxPerDay <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("outbound:daily:%s:%s", recipientID, now.Format("2006-01-02"))
	return g.limits.Check(ctx, key, g.maxPerDay, 24*time.Hour)
}

func (g *Gateway) isOptedOut(ctx context.Context, recipientID, category string) (bool, error) {
	if g.pool == nil {
		return false, nil
	}
	var exists bool
	err := g.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM opt_outs WHERE recipient = $1 AND category = $2)`, recipientID, category).Scan(&exists)
	if err != nil && err != pgx.ErrNoRows {
		return false, err
	}
	return exists, nil
}

func (g *Gateway) recordSend(ctx context.Context, recipientID, channel, category string, now time.Time) error {
	if g.pool == nil {
		return nil
	}
	_, err := g.pool.Exec(ctx, `
		INSERT INTO outbound_sends (recipient, channel, category, sent_date, sent_at)
		VALUES ($1, $2, $3, $4, $5)`,
		recipientID, channel, category, now.Format("2006-01-02"), now)
	return err
}

func (g *Gateway) recordAudit(ctx context.Context, recipientID, action, category string) {
	if g.auditRec == nil {
		return
	}
	g.auditRec.RecordEvent(ctx, "outbound-gateway", action, "recipient", recipientID, map[string]any{"category": category})
}

// HandleQuietHoursJob is the worker handler for QuietHoursJobName: it
// re-runs Send now that the quiet-hours window it was deferred past has
// elapsed. The job is enqueued on the gateway's queue (the messaging queue
// in internal/core), whose handler in internal/pipeline routes it here.
func (g *Gateway) HandleQuietHoursJob(ctx context.Context, job *queue.Job) error {
	var p sendPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return fmt.Errorf("outbound: decode delayed send: %w", err)
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.UTC
	}
	recipient := Recipient{
		ID:             p.RecipientID,
		AccountID:      p.AccountID,
		ConversationID: p.ConversationID,
		PushToken:      p.PushToken,
		Timezone:       loc,
	}
	_, err = g.Send(ctx, recipient, p.Message, Channel(p.Channel), p.Category)
	return err
}
