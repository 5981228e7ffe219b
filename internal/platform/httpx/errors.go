package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

// RespondError maps domain errors onto problem responses. Unknown errors
// become an opaque 500 so internals never leak to API consumers.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		Problem(w, http.StatusGatewayTimeout, "Timeout", "request cancelled or timed out")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
