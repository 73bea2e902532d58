package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/tagers/ops-platform/pkg/blocklist"
)

// adminStatsHandler implements `GET /admin/stats`: queue, blocklist,
// cache, telemetry, and KV-mode visibility.
func (s *Server) adminStatsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	qStats, err := s.core.Queue.Stats(ctx)
	if err != nil {
		return mapDomainError(err)
	}
	blSize, err := s.core.Blocklist.KVSize(ctx)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &StatsResponse{
		Mode:             s.mode,
		Config:           s.core.Config.Stats(),
		QueueStats:       qStats,
		KVAvailable:      s.core.KV.IsAvailable(),
		BlocklistSize:    blSize,
		HistoryCacheSize: s.core.History.Len(),
		Telemetry:        s.core.Audit.Stats(),
	})
}

type contactRequest struct {
	Contact string `json:"contact"`
}

func (s *Server) blocklistAddHandler(c *echo.Context) error {
	var req contactRequest
	if err := c.Bind(&req); err != nil || req.Contact == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contact is required")
	}
	if err := s.core.Blocklist.Add(c.Request().Context(), req.Contact); err != nil {
		return mapDomainError(err)
	}
	s.core.Audit.RecordEvent(c.Request().Context(), extractAuthor(c), "blocklist.added", "contact", req.Contact, nil)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) blocklistRemoveHandler(c *echo.Context) error {
	var req contactRequest
	if err := c.Bind(&req); err != nil || req.Contact == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contact is required")
	}
	removed, err := s.core.Blocklist.Remove(c.Request().Context(), req.Contact)
	if err != nil {
		return mapDomainError(err)
	}
	if removed {
		s.core.Audit.RecordEvent(c.Request().Context(), extractAuthor(c), "blocklist.removed", "contact", req.Contact, nil)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

func (s *Server) blocklistCheckHandler(c *echo.Context) error {
	var req contactRequest
	if err := c.Bind(&req); err != nil || req.Contact == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contact is required")
	}
	blocked, source := s.core.Blocklist.Check(c.Request().Context(), req.Contact)
	return c.JSON(http.StatusOK, &BlocklistCheckResponse{
		Contact: blocklist.Normalize(req.Contact),
		Blocked: blocked,
		Source:  source,
	})
}

// cacheClearHandler clears the in-process conversation history cache.
// With a conversation_id query
// param it evicts just that conversation; otherwise it clears everything.
func (s *Server) cacheClearHandler(c *echo.Context) error {
	if convID := c.QueryParam("conversation_id"); convID != "" {
		s.core.History.Clear(convID)
	} else {
		s.core.History.ClearAll()
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) queuePauseHandler(c *echo.Context) error {
	s.core.Queue.Pause()
	s.core.Audit.RecordEvent(c.Request().Context(), extractAuthor(c), "queue.paused", "queue", s.core.Config.QueueName, nil)
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "paused": true})
}

func (s *Server) queueResumeHandler(c *echo.Context) error {
	s.core.Queue.Resume()
	s.core.Audit.RecordEvent(c.Request().Context(), extractAuthor(c), "queue.resumed", "queue", s.core.Config.QueueName, nil)
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "paused": false})
}

func (s *Server) dlqListHandler(c *echo.Context) error {
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	page, err := s.core.DLQ.ListDLQ(c.Request().Context(), offset, limit)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) dlqRetryHandler(c *echo.Context) error {
	newJobID, err := s.core.DLQ.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "job_id": newJobID})
}

func (s *Server) dlqRetryAllHandler(c *echo.Context) error {
	retried, errs := s.core.DLQ.RetryAll(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{
		"ok":       len(errs) == 0,
		"retried":  retried,
		"failures": len(errs),
	})
}

func (s *Server) dlqDiscardHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.core.DLQ.Discard(c.Request().Context(), id); err != nil {
		return mapDomainError(err)
	}
	s.core.Audit.RecordEvent(c.Request().Context(), extractAuthor(c), "dlq.discarded", "dlq_job", id, nil)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) dlqClearAllHandler(c *echo.Context) error {
	token := c.QueryParam("confirm")
	if err := s.core.DLQ.ClearAll(c.Request().Context(), token); err != nil {
		return mapDomainError(err)
	}
	s.core.Audit.RecordEvent(c.Request().Context(), extractAuthor(c), "dlq.cleared_all", "dlq", "", nil)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
