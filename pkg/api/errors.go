package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/tagers/ops-platform/pkg/actionbus"
	"github.com/tagers/ops-platform/pkg/casefsm"
	"github.com/tagers/ops-platform/pkg/flowstate"
	"github.com/tagers/ops-platform/pkg/kv"
	"github.com/tagers/ops-platform/pkg/payments"
	"github.com/tagers/ops-platform/pkg/queue"
)

// mapDomainError maps an error from one of the core collaborators to an
// HTTP response, so handlers can return a collaborator's error directly
// rather than hand-rolling a status code per call site.
func mapDomainError(err error) *echo.HTTPError {
	var invalidTransition *casefsm.InvalidTransition
	if errors.As(err, &invalidTransition) {
		return echo.NewHTTPError(http.StatusConflict, invalidTransition.Error())
	}

	switch {
	case errors.Is(err, casefsm.ErrCaseNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "case not found")
	case errors.Is(err, casefsm.ErrConcurrentModification):
		return echo.NewHTTPError(http.StatusConflict, "case was modified concurrently, retry")
	case errors.Is(err, flowstate.ErrInvalidStep):
		return echo.NewHTTPError(http.StatusConflict, "flow step not reachable from current state")
	case errors.Is(err, actionbus.ErrUnknownActionType):
		return echo.NewHTTPError(http.StatusBadRequest, "unknown action type")
	case errors.Is(err, actionbus.ErrActionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "action not found")
	case errors.Is(err, actionbus.ErrTerminalState):
		return echo.NewHTTPError(http.StatusConflict, "action is in a terminal state")
	case errors.Is(err, actionbus.ErrWrongAutonomyLevel):
		return echo.NewHTTPError(http.StatusConflict, "operation does not apply to this action's autonomy level")
	case errors.Is(err, actionbus.ErrTwoFARequired):
		return echo.NewHTTPError(http.StatusPreconditionRequired, "two-factor verification required")
	case errors.Is(err, actionbus.ErrInvalidTwoFACode):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid two-factor code")
	case errors.Is(err, actionbus.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "action type rate limit exceeded")
	case errors.Is(err, payments.ErrInvalidSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
	case errors.Is(err, payments.ErrUnknownProvider):
		return echo.NewHTTPError(http.StatusNotFound, "unknown payment provider")
	case errors.Is(err, queue.ErrConfirmationRequired):
		return echo.NewHTTPError(http.StatusBadRequest, "confirmation token required")
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, queue.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "backend temporarily unavailable")
	}

	slog.Error("unexpected domain error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
