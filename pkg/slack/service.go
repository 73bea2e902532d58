package slack

import (
	"context"
	"log/slog"
	"time"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// Service is the alerting channel: outbound messages destined for the
// "alerting" channel are posted to a single configured Slack channel,
// threaded by fingerprint so repeat alerts for the same condition stay
// together instead of each opening a new top-level message.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a new Slack notification service. Returns nil if Token
// or Channel is empty, so callers can wire it unconditionally and let the
// nil-safe methods no-op when Slack isn't configured.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{client: client, logger: slog.Default().With("component", "slack-service")}
}

// SendAlert posts a severity-tagged alert. If fingerprint is non-empty and a
// message with that fingerprint was already posted in the last 24h, the new
// alert threads under it instead of opening a new top-level message.
func (s *Service) SendAlert(ctx context.Context, severity, title, body, fingerprint string) error {
	if s == nil {
		return nil
	}

	threadTS := ""
	if fingerprint != "" {
		ts, err := s.client.FindMessageByFingerprint(ctx, fingerprint)
		if err != nil {
			s.logger.Warn("failed to look up existing alert thread", "fingerprint", fingerprint, "error", err)
		}
		threadTS = ts
	}

	blocks := BuildAlertMessage(severity, title, body)
	if err := s.client.PostMessage(ctx, blocks, threadTS, 5*time.Second); err != nil {
		s.logger.Error("failed to send alert", "title", title, "error", err)
		return err
	}
	return nil
}
