package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"

	"go.uber.org/zap"

	"github.com/wikiprint/wikiprint/internal/probe"
	"github.com/wikiprint/wikiprint/internal/queue"
	"github.com/wikiprint/wikiprint/internal/render"
)

// errorBody is the JSON error envelope returned to clients.
type errorBody struct {
	Name    string `json:"name"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// retryAfterSeconds converts the waiting budget to the Retry-After value,
// rounding up so a client never retries early.
func retryAfterSeconds(queueTimeoutMs int) int {
	return int(math.Ceil(float64(queueTimeoutMs) / 1000))
}

// respondError translates a render pipeline failure into the HTTP surface.
// A cancelled job means the client went away: the connection is aborted
// without composing a body.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, title string, err error) {
	logger := s.logger.With(zap.String("path", r.URL.Path))

	switch {
	case errors.Is(err, queue.ErrCancelled):
		panic(http.ErrAbortHandler)

	case errors.Is(err, queue.ErrQueueFull),
		errors.Is(err, queue.ErrQueueTimeout),
		errors.Is(err, queue.ErrJobTimeout):
		logger.Warn("render rejected", zap.Error(err))
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(s.cfg.Queue.QueueTimeoutMs)))
		writeJSON(w, s.logger, http.StatusServiceUnavailable, errorBody{
			Name:    "service_unavailable",
			Status:  http.StatusServiceUnavailable,
			Message: "Render queue is busy, try again later",
		})

	case errors.Is(err, probe.ErrArticleNotFound):
		s.respondNotFound(w, title)

	default:
		var navErr *render.NavigationError
		if errors.As(err, &navErr) && navErr.Code == http.StatusNotFound {
			s.respondNotFound(w, title)
			return
		}
		logger.Error("render failed", zap.Error(err), zap.Stack("stack"))
		writeJSON(w, s.logger, http.StatusInternalServerError, errorBody{
			Name:    "internal_error",
			Status:  http.StatusInternalServerError,
			Message: "Internal Server Error",
		})
	}
}

func (s *Server) respondNotFound(w http.ResponseWriter, title string) {
	writeJSON(w, s.logger, http.StatusNotFound, errorBody{
		Name:    "not_found",
		Status:  http.StatusNotFound,
		Message: "404 - article not found",
		Details: fmt.Sprintf("Article '%s' not found", title),
	})
}
