// Package api exposes the HTTP interface for the render service.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wikiprint/wikiprint/internal/config"
	"github.com/wikiprint/wikiprint/internal/probe"
	"github.com/wikiprint/wikiprint/internal/publisher"
	"github.com/wikiprint/wikiprint/internal/queue"
	"github.com/wikiprint/wikiprint/internal/render"
	"github.com/wikiprint/wikiprint/internal/storage"
)

// ServiceName and ServiceVersion identify the service on /_info.
const (
	ServiceName    = "wikiprint"
	ServiceVersion = "1.0.0"
)

// RendererFactory produces one single-use renderer per job.
type RendererFactory func() render.Renderer

// Prober checks that an article exists before rendering is attempted.
type Prober interface {
	Exists(ctx context.Context, rawURL string) error
}

// IDGenerator mints job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Deps carries the collaborators the server wires into its handlers.
type Deps struct {
	Queue       *queue.Queue
	NewRenderer RendererFactory
	// Prober may be nil; the pre-existence check is then skipped.
	Prober Prober
	// Archive may be nil; rendered PDFs are then not persisted.
	Archive storage.Provider
	// Publisher may be nil; completions are then not announced.
	Publisher publisher.Publisher
	IDGen     IDGenerator
	// Registry serves /metrics. Nil falls back to the default gatherer.
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// RenderNotice is the payload published after a successful render.
type RenderNotice struct {
	JobID      string `json:"job_id"`
	Domain     string `json:"domain"`
	Title      string `json:"title"`
	Format     string `json:"format"`
	DeviceType string `json:"device_type"`
	ArchiveURI string `json:"archive_uri,omitempty"`
	PDFBytes   int    `json:"pdf_bytes"`
}

// Server wires HTTP handlers to the render queue.
type Server struct {
	router    chi.Router
	cfg       config.Config
	queue     *queue.Queue
	newRender RendererFactory
	prober    Prober
	archive   storage.Provider
	publisher publisher.Publisher
	idGen     IDGenerator
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if deps.NewRenderer == nil {
		return nil, errors.New("renderer factory is required")
	}
	if deps.IDGen == nil {
		return nil, errors.New("id generator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	archive := deps.Archive
	if archive == nil {
		archive = storage.NoOpProvider{}
	}
	pub := deps.Publisher
	if pub == nil {
		pub = publisher.NoOp{}
	}

	s := &Server{
		cfg:       cfg,
		queue:     deps.Queue,
		newRender: deps.NewRenderer,
		prober:    deps.Prober,
		archive:   archive,
		publisher: pub,
		idGen:     deps.IDGen,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.RateLimit.Enabled {
		limiter := newClientLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		r.Use(rateLimitMiddleware(limiter, logger))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/_info", s.info)
	r.Method(http.MethodGet, "/metrics", metricsHandler(deps.Registry))

	r.Route("/{domain}/v1/pdf/{title}", func(r chi.Router) {
		r.Get("/{format}", s.handlePDF)
		r.Get("/{format}/{type}", s.handlePDF)
	})

	s.router = r
	return s, nil
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz refuses traffic while the queue cannot admit another job, so a load
// balancer drains toward replicas with headroom.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.queue.IsFull() {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(s.cfg.Queue.QueueTimeoutMs)))
		writeJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "busy"})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{
		"name":    ServiceName,
		"version": ServiceVersion,
	})
}

func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	title := chi.URLParam(r, "title")

	format, err := render.ParsePageFormat(chi.URLParam(r, "format"))
	if err != nil {
		writeJSON(w, s.logger, http.StatusBadRequest, errorBody{
			Name:    "bad_request",
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}
	device, err := render.ParseDeviceType(chi.URLParam(r, "type"))
	if err != nil {
		writeJSON(w, s.logger, http.StatusBadRequest, errorBody{
			Name:    "bad_request",
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}

	articleURL := s.cfg.Render.ArticleURL(domain, title)
	if s.prober != nil {
		if err := s.prober.Exists(r.Context(), articleURL); err != nil {
			if errors.Is(err, probe.ErrArticleNotFound) {
				s.respondNotFound(w, title)
				return
			}
			// The probe is advisory. A flaky probe must not block rendering.
			s.logger.Warn("article probe failed",
				zap.String("url", articleURL),
				zap.Error(err),
			)
		}
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.respondError(w, r, title, fmt.Errorf("generate job id: %w", err))
		return
	}

	profile := render.ProfileFor(device, s.cfg.Render.DesktopUserAgent, s.cfg.Render.MobileUserAgent)
	headers := render.SanitizeHeaders(r.Header)
	renderer := s.newRender()

	task, err := queue.NewTask(jobID,
		func(ctx context.Context) (*render.Result, error) {
			return renderer.ArticleToPDF(ctx, articleURL, format, profile, headers)
		},
		renderer.Abort,
	)
	if err != nil {
		s.respondError(w, r, title, err)
		return
	}

	handle, err := s.queue.Submit(task)
	if err != nil {
		s.respondError(w, r, title, err)
		return
	}

	result, err := handle.Wait(r.Context())
	if err != nil {
		s.respondError(w, r, title, err)
		return
	}

	s.afterRender(jobID, domain, title, string(format), string(device), result)

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", contentDisposition(title))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Buffer)))
	w.Header().Set("Last-Modified", result.LastModified)
	if _, err := w.Write(result.Buffer); err != nil {
		s.logger.Warn("write PDF response failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

// afterRender archives the PDF and announces the completion. Both are best
// effort and must never delay or fail the client response, so they run on a
// detached context.
func (s *Server) afterRender(jobID, domain, title, format, device string, result *render.Result) {
	buf := result.Buffer
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		uri := ""
		if _, isNoop := s.archive.(storage.NoOpProvider); !isNoop {
			path := fmt.Sprintf("%s/%s/%s-%s.pdf", s.cfg.Archive.Prefix, domain, escapeTitle(title), jobID)
			stored, err := s.archive.PutObject(ctx, path, "application/pdf", bytes.NewReader(buf))
			if err != nil {
				s.logger.Error("archive render failed",
					zap.String("job_id", jobID),
					zap.Error(err),
				)
			} else {
				uri = stored
			}
		}

		if s.cfg.PubSub.Enabled {
			notice := RenderNotice{
				JobID:      jobID,
				Domain:     domain,
				Title:      title,
				Format:     format,
				DeviceType: device,
				ArchiveURI: uri,
				PDFBytes:   len(buf),
			}
			if _, err := s.publisher.Publish(ctx, s.cfg.PubSub.TopicName, notice); err != nil {
				s.logger.Error("publish render notice failed",
					zap.String("job_id", jobID),
					zap.Error(err),
				)
			}
		}
	}()
}
