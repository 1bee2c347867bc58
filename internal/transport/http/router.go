// Package http is the single HTTP surface: REST handlers for provisioning,
// key distribution, conversations, publishing, and receipts, plus the
// websocket push channel that registers live devices with the fan-out map.
package http

import (
	"net/http"
	"strings"
	"time"

	"log/slog"

	"securechat/internal/authz"
	"securechat/internal/convreg"
	"securechat/internal/delivery"
	"securechat/internal/directory"
	"securechat/internal/fanout"
	"securechat/internal/keyreg"
	"securechat/internal/msgstore"
	obsmw "securechat/internal/observability/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	directory *directory.Service
	keys      *keyreg.Service
	conv      *convreg.Service
	messages  *msgstore.Service
	tracker   *delivery.Tracker
	router    *fanout.Router
	registry  *fanout.Registry
	verifier  *authz.Verifier
	log       *slog.Logger

	wsPoll time.Duration
	batch  int
}

type Options struct {
	WSPollInterval   time.Duration
	DeliveryBatchMax int
	CORSOrigins      []string
}

func NewRouter(
	dir *directory.Service,
	keys *keyreg.Service,
	conv *convreg.Service,
	messages *msgstore.Service,
	tracker *delivery.Tracker,
	router *fanout.Router,
	registry *fanout.Registry,
	verifier *authz.Verifier,
	log *slog.Logger,
	opts Options,
) http.Handler {
	if opts.WSPollInterval <= 0 {
		opts.WSPollInterval = 500 * time.Millisecond
	}
	if opts.DeliveryBatchMax <= 0 {
		opts.DeliveryBatchMax = 50
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		directory: dir,
		keys:      keys,
		conv:      conv,
		messages:  messages,
		tracker:   tracker,
		router:    router,
		registry:  registry,
		verifier:  verifier,
		log:       log,
		wsPoll:    opts.WSPollInterval,
		batch:     opts.DeliveryBatchMax,
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(obsmw.WithMetrics)
	r.Use(httprate.LimitByIP(300, 1*time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(opts.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Provisioning is open: account/device creation happens before any
		// token exists. Everything else requires a verified identity.
		r.Post("/users", h.handleRegisterUser)
		r.Post("/devices", h.handleRegisterDevice)

		r.Group(func(r chi.Router) {
			r.Use(h.requireIdentity)

			r.Post("/keys/identity", h.handlePublishIdentityKey)
			r.Post("/keys/signed-prekey", h.handlePublishSignedPrekey)
			r.Post("/keys/one-time-prekeys", h.handlePublishOneTimePrekeys)
			r.Get("/keys/bundle", h.handleGetBundle)

			r.Post("/conversations", h.handleCreateConversation)
			r.Post("/conversations/{id}/participants", h.handleAddParticipant)
			r.Delete("/conversations/{id}/participants/{userID}", h.handleRemoveParticipant)
			r.Get("/conversations/{id}/messages", h.handleHistory)

			r.Post("/messages", h.handlePublish)
			r.Post("/receipts", h.handleReceipt)

			r.Get("/ws", h.handleWS)
		})
	})

	return r
}

// requireIdentity validates the bearer token (or, for the websocket, the
// token query parameter, since browser websocket clients cannot set headers)
// and stores the identity in the request context.
func (h *Handler) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		var tokenString string
		if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			tokenString = strings.TrimSpace(raw[len("Bearer "):])
		} else if t := r.URL.Query().Get("token"); t != "" {
			tokenString = t
		}
		if tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		id, err := h.verifier.Verify(tokenString)
		if err != nil {
			h.log.Warn("auth failed", "error", err,
				"request_id", obsmw.RequestIDFromContext(r.Context()))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(authz.ContextWithIdentity(r.Context(), id)))
	})
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
