package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to a status. An empty Message sends err.Error().
type ErrorMapping struct {
	Error   error
	Status  int
	Message string
}

// Applied after the handler's own mappings.
var commonMappings = []ErrorMapping{
	{Error: domain.ErrTransientExternal, Status: http.StatusServiceUnavailable, Message: "dependency unavailable, retry later"},
	{Error: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Message: "request timed out"},
}

// HandleError writes the response of the first mapping err matches. Unmatched
// errors are logged and answered with 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	logger := ctxlog.FromContext(ctx)

	for _, set := range [][]ErrorMapping{mappings, commonMappings} {
		for _, m := range set {
			if !errors.Is(err, m.Error) {
				continue
			}
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			if m.Status >= http.StatusInternalServerError {
				logger.Warn("request failed on dependency", "status", m.Status, "error", err)
			}
			Error(w, m.Status, msg)
			return
		}
	}

	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
