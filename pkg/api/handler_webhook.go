package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/tagers/ops-platform/pkg/dispatch"
	"github.com/tagers/ops-platform/pkg/queue"
)

// inboundEventBody is the wire shape POST /webhook/messaging accepts: the
// CRM event, normalized into dispatch.InboundEvent's fields.
type inboundEventBody struct {
	Source          string                 `json:"source"`
	ConversationID  string                  `json:"conversation_id"`
	AccountID       string                  `json:"account_id"`
	InboxID         string                  `json:"inbox_id"`
	EventType       string                  `json:"event_type"`
	ProviderEventID string                  `json:"provider_event_id"`
	Contact         dispatch.Contact        `json:"contact"`
	Text            string                  `json:"text"`
	Payload         map[string]interface{}  `json:"payload"`
}

// messagingWebhookHandler implements `POST /webhook/messaging`: dedupe,
// enqueue, and return 200 regardless of
// whether this is a retained duplicate — the caller's contract is "we
// accepted it", not "we processed it".
func (s *Server) messagingWebhookHandler(c *echo.Context) error {
	var body inboundEventBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook body")
	}

	idempotencyKey := dispatch.DeriveIdempotencyKey(body.Source, body.EventType, body.ProviderEventID)

	ctx := c.Request().Context()
	wasSeen, _, err := s.core.Dedup.Seen(ctx, idempotencyKey, s.core.Config.DedupeTTL)
	if err != nil {
		return mapDomainError(err)
	}
	if wasSeen {
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "duplicate": true})
	}

	event := dispatch.InboundEvent{
		Source:         body.Source,
		ConversationID: body.ConversationID,
		AccountID:      body.AccountID,
		InboxID:        body.InboxID,
		EventType:      body.EventType,
		Contact:        body.Contact,
		Text:           body.Text,
		Payload:        body.Payload,
		ReceivedAt:     time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	trace, _ := json.Marshal(map[string]string{
		"request_id":  c.Request().Header.Get("X-Request-Id"),
		"received_at": event.ReceivedAt.Format(time.RFC3339Nano),
	})
	if _, err := s.core.Queue.Add(ctx, "inbound_event", event, queue.AddOptions{JobID: idempotencyKey, TraceContext: trace}); err != nil {
		return mapDomainError(err)
	}
	s.core.Audit.IncrCounter("webhook_received", 1)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// paymentsWebhookHandler terminates provider payment webhooks. Verification MUST
// run against the exact raw body bytes, never a re-serialized copy, so this
// handler reads the body directly rather than through c.Bind.
func (s *Server) paymentsWebhookHandler(c *echo.Context) error {
	providerName := c.Param("provider")
	provider, err := s.core.Payments.Get(providerName)
	if err != nil {
		return mapDomainError(err)
	}

	rawBody, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	signature := c.Request().Header.Get("X-Signature")
	secret := s.core.PaymentSecrets[providerName]

	event, err := provider.VerifyWebhookSignature(rawBody, signature, secret)
	if err != nil {
		return mapDomainError(err)
	}

	ctx := c.Request().Context()
	if _, err := s.core.Queue.Add(ctx, "payment_event", event, queue.AddOptions{}); err != nil {
		return mapDomainError(err)
	}
	s.core.Audit.RecordEvent(ctx, "payments-webhook", "payments.event_received", "payment", event.ExternalID,
		map[string]any{"provider": providerName, "status": string(event.Status)})
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// channelChallengeHandler answers the GET verification handshake some
// messaging channels require before they'll deliver webhooks: echo back
// the challenge token unchanged.
func (s *Server) channelChallengeHandler(c *echo.Context) error {
	challenge := c.QueryParam("challenge") + c.QueryParam("hub.challenge")
	if challenge == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing challenge token")
	}
	return c.String(http.StatusOK, challenge)
}

// channelWebhookHandler is the messaging-channel-specific counterpart to
// /webhook/messaging for channels that post to a per-channel path instead
// The body is forwarded through the same dedupe+enqueue
// path, tagged with the channel name as Source when the body omits one.
func (s *Server) channelWebhookHandler(c *echo.Context) error {
	channel := c.Param("channel")
	rawBody, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	var body inboundEventBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook body")
	}
	if body.Source == "" {
		body.Source = channel
	}

	idempotencyKey := dispatch.DeriveIdempotencyKey(body.Source, body.EventType, body.ProviderEventID)
	ctx := c.Request().Context()
	wasSeen, _, err := s.core.Dedup.Seen(ctx, idempotencyKey, s.core.Config.DedupeTTL)
	if err != nil {
		return mapDomainError(err)
	}
	if wasSeen {
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "duplicate": true})
	}

	event := dispatch.InboundEvent{
		Source:         body.Source,
		ConversationID: body.ConversationID,
		AccountID:      body.AccountID,
		InboxID:        body.InboxID,
		EventType:      body.EventType,
		Contact:        body.Contact,
		Text:           body.Text,
		Payload:        body.Payload,
		ReceivedAt:     time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	trace, _ := json.Marshal(map[string]string{
		"request_id":  c.Request().Header.Get("X-Request-Id"),
		"received_at": event.ReceivedAt.Format(time.RFC3339Nano),
	})
	if _, err := s.core.Queue.Add(ctx, "inbound_event", event, queue.AddOptions{JobID: idempotencyKey, TraceContext: trace}); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
