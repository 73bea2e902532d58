// Package pipeline implements the messaging worker body: the per-job
// sequence a consumer runs for each inbound event — acquire the
// per-conversation lock, hydrate history and flow state, run the
// dispatcher, execute the resulting Route, and record metrics.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tagers/ops-platform/internal/core"
	"github.com/tagers/ops-platform/pkg/dispatch"
	"github.com/tagers/ops-platform/pkg/flowstate"
	"github.com/tagers/ops-platform/pkg/outbound"
	"github.com/tagers/ops-platform/pkg/queue"
)

// InboundEventJobName is the job name the webhook handlers enqueue and
// NewHandler drains.
const InboundEventJobName = "inbound_event"

// lockWaitTimeout and lockTTL are kept local rather than config-driven
// since they're a worker-pool
// implementation detail, not an operator-tunable.
const (
	lockWaitTimeout = 5 * time.Second
	lockTTL         = 20 * time.Second
)

// defaultLocale is used until InboundEvent carries a per-contact locale;
// Registry.Localized falls back through "en" and finally the key itself, so
// an unconfigured string never surfaces empty to a recipient.
const defaultLocale = "en"

// NewHandler returns a queue.Handler that processes one "inbound_event" job
// through dispatch and route execution, bound to c's collaborators. Jobs
// named outbound.QuietHoursJobName are handed to the outbound gateway.
func NewHandler(c *core.Core) queue.Handler {
	p := &pipeline{core: c}
	return p.handle
}

type pipeline struct {
	core *core.Core
}

func (p *pipeline) handle(ctx context.Context, job *queue.Job) error {
	// The outbound gateway defers quiet-hours sends onto this same queue.
	if job.Name == outbound.QuietHoursJobName {
		return p.core.Outbound.HandleQuietHoursJob(ctx, job)
	}
	var event dispatch.InboundEvent
	if err := json.Unmarshal(job.Data, &event); err != nil {
		return fmt.Errorf("pipeline: decode inbound_event payload: %w", err)
	}

	lockName := "conversation:" + event.ConversationID
	held, err := p.core.Locks.Acquire(ctx, lockName, lockTTL, lockWaitTimeout)
	if err != nil {
		return fmt.Errorf("pipeline: acquire conversation lock: %w", err)
	}
	if !held.Acquired {
		// Another worker already owns this conversation's lock. That is
		// expected, not a failure — complete the job without retrying.
		p.core.Audit.IncrCounter("inbound_event_skipped_lock_timeout", 1)
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.core.Locks.Release(releaseCtx, lockName, held.OwnerToken)
	}()

	// One renewal attempt if the handler runs past 2/3 of the lock TTL.
	renewDone := make(chan struct{})
	defer close(renewDone)
	go func() {
		select {
		case <-renewDone:
		case <-ctx.Done():
		case <-time.After(lockTTL * 2 / 3):
			_, _ = p.core.Locks.Renew(ctx, lockName, held.OwnerToken, lockTTL)
		}
	}()

	start := time.Now()

	history, err := p.core.History.Get(ctx, event.AccountID, event.ConversationID)
	if err != nil {
		return fmt.Errorf("pipeline: hydrate history: %w", err)
	}
	_ = history

	flow, err := p.core.FlowState.Hydrate(ctx, event.ConversationID)
	if err != nil {
		return fmt.Errorf("pipeline: hydrate flow state: %w", err)
	}

	if event.Text != "" {
		p.core.History.AddUser(event.ConversationID, event.Text)
	}

	route, err := dispatch.Dispatch(event, dispatch.FlowSnapshot{Active: flow.Active(), Type: flow.Type}, p.core.DispatchPolicies())
	if err != nil {
		return fmt.Errorf("pipeline: dispatch: %w", err)
	}

	if err := p.execute(ctx, event, flow, route); err != nil {
		return fmt.Errorf("pipeline: execute route %q: %w", route.Kind, err)
	}

	p.core.Audit.ObserveDuration("inbound_event_processing_time", time.Since(start), map[string]string{
		"route": string(route.Kind),
	})
	return nil
}

func (p *pipeline) recipient(event dispatch.InboundEvent) outbound.Recipient {
	return outbound.Recipient{
		ID:             event.Contact.ID,
		AccountID:      event.AccountID,
		ConversationID: event.ConversationID,
	}
}

func (p *pipeline) reply(ctx context.Context, event dispatch.InboundEvent, text string) error {
	if text == "" {
		return nil
	}
	_, err := p.core.Outbound.Send(ctx, p.recipient(event), text, outbound.ChannelText, "conversation_reply")
	if err == nil {
		p.core.History.AddAssistant(event.ConversationID, text)
	}
	return err
}

// execute runs the side effects for route. The agentic-flow LLM
// collaborator is external to this module; canned greeting and FAQ answer
// bodies are hot-reloadable registry content rather than compiled-in
// strings, so both kinds resolve through p.core.Registry.
func (p *pipeline) execute(ctx context.Context, event dispatch.InboundEvent, flow flowstate.State, route dispatch.Route) error {
	switch route.Kind {
	case dispatch.Drop:
		p.core.Audit.RecordEvent(ctx, "dispatcher", "dispatch.dropped", "conversation", event.ConversationID,
			map[string]any{"reason": route.DropReason})
		return nil

	case dispatch.SimpleReply:
		if route.ClearFlow {
			if err := p.core.FlowState.Clear(ctx, event.ConversationID); err != nil {
				return err
			}
		}
		return p.reply(ctx, event, route.ResponseText)

	case dispatch.Greeting:
		return p.reply(ctx, event, p.core.Registry.Localized(defaultLocale, "greeting"))

	case dispatch.FAQ:
		return p.reply(ctx, event, p.core.Registry.Localized(defaultLocale, "faq."+route.FAQKey))

	case dispatch.HandoffHuman:
		p.core.Audit.RecordEvent(ctx, "dispatcher", "dispatch.handoff_requested", "conversation", event.ConversationID, nil)
		if p.core.CRM != nil {
			if err := p.core.CRM.TouchConversation(ctx, event.AccountID, event.ConversationID); err != nil {
				return err
			}
		}
		return nil

	case dispatch.EscalateFrustration:
		return p.core.Outbound.SendAlert(ctx, route.Level, "conversation frustration escalation",
			fmt.Sprintf("conversation %s escalated at level %s", event.ConversationID, route.Level),
			"frustration:"+event.ConversationID)

	case dispatch.FlowOrderCreate:
		return p.advanceFlow(ctx, event, "ORDER_CREATE", "collect_items", route.Hints)
	case dispatch.FlowOrderStatus:
		return p.advanceFlow(ctx, event, "ORDER_STATUS", "collect_order_id", map[string]string{"order_id": route.OrderID})
	case dispatch.FlowOrderModify:
		return p.advanceFlow(ctx, event, "ORDER_MODIFY", "collect_order_id", route.Hints)

	case dispatch.AgenticFlow:
		// No LLM collaborator exists in this module; fall back to a human
		// handoff rather than silently dropping the message.
		p.core.Audit.RecordEvent(ctx, "dispatcher", "dispatch.agentic_unhandled", "conversation", event.ConversationID, nil)
		if p.core.CRM != nil {
			return p.core.CRM.TouchConversation(ctx, event.AccountID, event.ConversationID)
		}
		return nil

	default:
		return fmt.Errorf("pipeline: unhandled route kind %q", route.Kind)
	}
}

// advanceFlow enters flowType at entryStep, or — when the conversation is
// already inside the same flow — stays on its current step (a self-edge,
// always legal) and folds hints into the accumulated draft. The per-domain
// matchers that would move the flow forward are external collaborators,
// so this module never advances past the current step itself.
func (p *pipeline) advanceFlow(ctx context.Context, event dispatch.InboundEvent, flowType, entryStep string, hints map[string]string) error {
	current, err := p.core.FlowState.Get(ctx, event.ConversationID)
	if err != nil {
		return err
	}

	step := entryStep
	draft := map[string]string{}
	if current.Type == flowType && current.Step != "" {
		step = current.Step
		for k, v := range current.Draft {
			draft[k] = v
		}
	}
	for k, v := range hints {
		if v != "" {
			draft[k] = v
		}
	}

	return p.core.FlowState.Set(ctx, flowstate.State{
		ConversationID: event.ConversationID,
		Type:           flowType,
		Step:           step,
		Draft:          draft,
		Meta:           current.Meta,
		UpdatedAt:      time.Now().UTC(),
	})
}
