package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/promptline/agentd/internal/relay"
	"github.com/promptline/agentd/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs     *service.JobService
	Messages *service.MessageService
	Relay    relay.Relay

	// HeartbeatInterval is the SSE keep-alive interval; defaults to 15s.
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sessionHandlers := &SessionHandlers{
		Jobs:     services.Jobs,
		Messages: services.Messages,
	}
	jobHandlers := &JobHandlers{Svc: services.Jobs}
	liveHandlers := &LiveHandlers{
		Relay:             services.Relay,
		HeartbeatInterval: services.HeartbeatInterval,
		Logger:            logger,
	}

	mux.HandleFunc("POST /api/sessions/{sessionID}/messages", sessionHandlers.SubmitMessage)
	mux.HandleFunc("GET /api/sessions/{sessionID}/messages", sessionHandlers.ListMessages)
	mux.HandleFunc("POST /api/sessions/{sessionID}/cancel", sessionHandlers.Cancel)
	mux.HandleFunc("GET /api/sessions/{sessionID}/live", liveHandlers.Stream)

	mux.HandleFunc("GET /api/jobs/{id}", jobHandlers.GetStatus)
	mux.HandleFunc("GET /api/jobs/stats", jobHandlers.Stats)

	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("HEAD /healthz", healthHandler)

	var handler http.Handler = mux
	handler = Logging(logger)(handler)
	handler = Recover(logger)(handler)
	return handler
}
