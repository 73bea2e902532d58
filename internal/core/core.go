// Package core assembles every stateful collaborator into a single
// process-owned bundle: one Core context object, constructed once at
// startup and passed down rather than reached for as package-level
// globals. A Core is the unit of graceful shutdown: both cmd/kiss-api and
// cmd/luca-api build one, wire the handlers/consumers they need off it, and
// call Shutdown on SIGTERM/SIGINT.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tagers/ops-platform/pkg/actionbus"
	"github.com/tagers/ops-platform/pkg/audit"
	"github.com/tagers/ops-platform/pkg/blocklist"
	"github.com/tagers/ops-platform/pkg/casefsm"
	"github.com/tagers/ops-platform/pkg/config"
	"github.com/tagers/ops-platform/pkg/crm"
	"github.com/tagers/ops-platform/pkg/database"
	"github.com/tagers/ops-platform/pkg/dedup"
	"github.com/tagers/ops-platform/pkg/detector"
	"github.com/tagers/ops-platform/pkg/dispatch"
	"github.com/tagers/ops-platform/pkg/flowstate"
	"github.com/tagers/ops-platform/pkg/historycache"
	"github.com/tagers/ops-platform/pkg/kv"
	"github.com/tagers/ops-platform/pkg/lock"
	"github.com/tagers/ops-platform/pkg/outbound"
	"github.com/tagers/ops-platform/pkg/payments"
	"github.com/tagers/ops-platform/pkg/queue"
	"github.com/tagers/ops-platform/pkg/ratelimit"
	"github.com/tagers/ops-platform/pkg/registry"
	"github.com/tagers/ops-platform/pkg/scheduler"
	"github.com/tagers/ops-platform/pkg/slack"
)

// Core bundles every shared collaborator. Exported fields are the intended
// wiring surface for cmd/kiss-api and cmd/luca-api; apart from pkg/api's
// NewServer, neither main calls the individual pkg/* constructors directly.
type Core struct {
	Config *config.Config
	DB     *database.Client

	KV    kv.Store
	Locks *lock.Manager
	Limits *ratelimit.Limiter
	Dedup *dedup.Deduplicator

	Queue *queue.Queue
	DLQ   *queue.DLQ

	DetectorsQueue *queue.Queue
	DetectorsDLQ   *queue.DLQ

	Cases     *casefsm.Machine
	Actions   *actionbus.Bus
	FlowState *flowstate.Service
	History   *historycache.Cache

	Scheduler *scheduler.Scheduler
	Detectors map[string]*detector.Runner

	Registry  *registry.Registry
	Blocklist *blocklist.List

	CRM      crm.Client
	Slack    *slack.Service
	Payments *payments.Registry
	// PaymentSecrets maps provider name to its webhook signing secret —
	// Provider.VerifyWebhookSignature takes the secret as an explicit
	// argument, so the webhook handler looks it up here
	// rather than reaching into the provider's private state.
	PaymentSecrets map[string]string
	Outbound       *outbound.Gateway

	Audit *audit.Recorder

	log *slog.Logger

	consumers []*queue.Consumer
}

// New builds a Core from cfg, connecting to the KV backend and Postgres and
// wiring every collaborator. Database migrations run as part
// of database.NewClient. Callers (cmd/kiss-api, cmd/luca-api) own calling
// Start/Shutdown around this.
func New(ctx context.Context, cfg *config.Config) (*Core, error) {
	log := slog.With("component", "core")

	dbCfg := database.Config{
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUser,
		Password:        cfg.DatabasePassword,
		Database:        cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
	db, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("core: connect database: %w", err)
	}

	store, err := buildKVStore(cfg.KVURL)
	if err != nil {
		db.Pool.Close()
		return nil, fmt.Errorf("core: connect kv: %w", err)
	}

	auditRec := audit.New(db.Pool)
	locks := lock.New(store, auditRec, cfg.LockTTL)
	limits := ratelimit.New(store)
	deduper := dedup.New(store)

	q := queue.New(db.Pool, cfg.QueueName)
	dlq := queue.NewDLQ(db.Pool, q, hostname())

	detectorsQueue := queue.New(db.Pool, cfg.DetectorsQueueName)
	detectorsDLQ := queue.NewDLQ(db.Pool, detectorsQueue, hostname())

	cases := casefsm.New(db.Pool)
	actions := actionbus.New(db.Pool, limits)
	flows := flowstate.New(db.Pool, nil)

	reg, err := registry.NewFromConfig(cfg)
	if err != nil {
		db.Pool.Close()
		return nil, fmt.Errorf("core: load registry: %w", err)
	}

	bl := blocklist.New(store, reg)

	var crmClient crm.Client
	if cfg.CRMBaseURL != "" {
		crmClient = crm.NewHTTPClient(cfg.CRMBaseURL, cfg.CRMAPIKey)
	}

	history := historycache.New(crmFetcher{crmClient}, 1000, 20, 20)

	slackSvc := slack.NewService(slack.ServiceConfig{Token: cfg.SlackToken, Channel: cfg.SlackChannel})

	var paymentProviders []payments.Provider
	paymentSecrets := make(map[string]string, 2)
	if cfg.PaymentsProviderABaseURL != "" {
		paymentProviders = append(paymentProviders, payments.NewHMACProvider(
			cfg.PaymentsProviderAName, cfg.PaymentsProviderABaseURL, cfg.PaymentsProviderAAPIKey, cfg.PaymentsProviderASecret))
		paymentSecrets[cfg.PaymentsProviderAName] = cfg.PaymentsProviderASecret
	}
	if cfg.PaymentsProviderBBaseURL != "" {
		paymentProviders = append(paymentProviders, payments.NewHMACProvider(
			cfg.PaymentsProviderBName, cfg.PaymentsProviderBBaseURL, cfg.PaymentsProviderBAPIKey, cfg.PaymentsProviderBSecret))
		paymentSecrets[cfg.PaymentsProviderBName] = cfg.PaymentsProviderBSecret
	}
	paymentsReg := payments.NewRegistry(paymentProviders...)

	var alerting outbound.AlertingChannel
	if slackSvc != nil {
		alerting = slackSvc
	}
	outboundGW := outbound.New(db.Pool, limits, crmClient, nil, alerting, q, auditRec,
		outbound.QuietHours{Start: cfg.OutboundQuietHoursStart, End: cfg.OutboundQuietHoursEnd}, int64(cfg.OutboundMaxPerDay))

	sched := scheduler.New(detectorsQueue, limits, cfg.Timezone,
		scheduler.WithConcurrencyCap(cfg.DetectorConcurrencyCap),
		scheduler.WithGlobalRateLimit(cfg.DetectorRateLimitPerMinute))

	c := &Core{
		Config:         cfg,
		DB:             db,
		KV:             store,
		Locks:          locks,
		Limits:         limits,
		Dedup:          deduper,
		Queue:          q,
		DLQ:            dlq,
		DetectorsQueue: detectorsQueue,
		DetectorsDLQ:   detectorsDLQ,
		Cases:          cases,
		Actions:        actions,
		FlowState:      flows,
		History:        history,
		Scheduler:      sched,
		Detectors:      make(map[string]*detector.Runner),
		Registry:       reg,
		Blocklist:      bl,
		CRM:            crmClient,
		Slack:          slackSvc,
		Payments:       paymentsReg,
		PaymentSecrets: paymentSecrets,
		Outbound:       outboundGW,
		Audit:          auditRec,
		log:            log,
	}
	return c, nil
}

// DispatchPolicies returns the pkg/dispatch.Policies bound to this Core's
// collaborators, for handlers that call dispatch.Dispatch directly.
func (c *Core) DispatchPolicies() dispatch.Policies {
	return dispatch.Policies{Blocklist: c.Blocklist}
}

func buildKVStore(url string) (kv.Store, error) {
	if url == "" {
		return kv.NewMemoryStore(), nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse KV_URL: %w", err)
	}
	return kv.NewRedisStore(opts), nil
}

type crmFetcher struct{ client crm.Client }

func (f crmFetcher) FetchMessages(ctx context.Context, accountID, conversationID string, limit int) ([]historycache.Entry, error) {
	if f.client == nil {
		return nil, nil
	}
	msgs, err := f.client.FetchMessages(ctx, accountID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]historycache.Entry, 0, len(msgs))
	for _, m := range msgs {
		role := historycache.RoleUser
		if m.Type == crm.MessageOutgoing {
			role = historycache.RoleAssistant
		} else if m.Type == crm.MessageActivity {
			role = historycache.RoleSystem
		}
		out = append(out, historycache.Entry{Role: role, Content: m.Content, Timestamp: m.CreatedAt})
	}
	return out, nil
}
