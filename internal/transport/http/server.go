package http

import (
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/gatherkit/gatherd/internal/events"
	"github.com/gatherkit/gatherd/internal/session"
	"github.com/gatherkit/gatherd/internal/sweeper"
)

// Server exposes the session core over JSON/HTTP. Authorization beyond
// creator ownership, request shaping and API documentation live above this
// layer.
type Server struct {
	svc     *session.Service
	sweeper *sweeper.ExpirySweeper
	fanout  *events.FanoutPublisher
	logger  zerolog.Logger
}

// NewServer creates the HTTP server. fanout may be nil when live event
// streaming is disabled.
func NewServer(svc *session.Service, sw *sweeper.ExpirySweeper, fanout *events.FanoutPublisher, logger zerolog.Logger) *Server {
	return &Server{
		svc:     svc,
		sweeper: sw,
		fanout:  fanout,
		logger:  logger,
	}
}

// Handler builds the route table with logging and CORS middleware.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("POST /sessions/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /sessions/{id}/leave", s.handleLeave)
	mux.HandleFunc("POST /sessions/{id}/waitlist", s.handleEnqueueWaitlist)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /sessions/{id}/complete", s.handleComplete)
	mux.HandleFunc("GET /sessions/{id}/eligibility", s.handleEligibility)

	if s.fanout != nil {
		mux.HandleFunc("GET /sessions/{id}/events", s.handleStreamEvents)
	}

	mux.HandleFunc("POST /sweep", s.handleRunSweep)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "X-User-ID"},
	})

	return RequestLogger(c.Handler(mux), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
