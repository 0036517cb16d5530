package ws

import (
	"log/slog"
	"net/http"

	"github.com/denismitr/synceddb/relay"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const SyncPath = "/sync"

type HandlerConfig struct {
	Logger *slog.Logger

	// CheckOrigin defaults to accepting every origin
	CheckOrigin func(r *http.Request) bool

	ReadBufferSize  int
	WriteBufferSize int
}

func (cfg *HandlerConfig) applyDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(r *http.Request) bool { return true }
	}

	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = 1024
	}

	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = 1024
	}
}

// NewHandler upgrades requests to websockets and serves them on r
func NewHandler(r *relay.Relay, cfg *HandlerConfig) http.Handler {
	if cfg == nil {
		cfg = &HandlerConfig{}
	}
	cfg.applyDefaults()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     cfg.CheckOrigin,
	}
	logger := cfg.Logger

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Warn("failed to upgrade", slog.String("remote", req.RemoteAddr), slog.Any("error", err))
			return
		}

		if err := r.Serve(req.Context(), NewConn(conn)); err != nil {
			logger.Info("session ended", slog.String("remote", req.RemoteAddr), slog.Any("error", err))
		}
	})
}

// NewRouter mounts the relay at GET /sync behind an access log
func NewRouter(r *relay.Relay, cfg *HandlerConfig) *mux.Router {
	if cfg == nil {
		cfg = &HandlerConfig{}
	}
	cfg.applyDefaults()

	router := mux.NewRouter()
	router.Use(accessLog(cfg.Logger))
	router.Methods(http.MethodGet).Path(SyncPath).Handler(NewHandler(r, cfg))

	return router
}

func accessLog(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, req)
			logger.Info("handled",
				slog.String("method", req.Method),
				slog.String("url", req.URL.String()),
				slog.Duration("duration", m.Duration),
				slog.Int("status", m.Code),
			)
		})
	}
}
