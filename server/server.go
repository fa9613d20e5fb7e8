// Package server exposes the engine over HTTP: Prometheus metrics, health
// checks and a small admin API for triggering syncs and server mutations.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/sync"
)

// Server is the HTTP listener. Metrics and health are unauthenticated so
// scrapers and load balancers can reach them; everything under /v1 requires
// the API key.
type Server struct {
	addr   string
	apiKey string
	db     *db.Database
	engine *sync.Engine
	server *http.Server
}

// Options holds the listener's collaborators.
type Options struct {
	Addr   string
	APIKey string
	DB     *db.Database
	Engine *sync.Engine
}

// New builds the server. An empty API key disables the admin endpoints
// entirely rather than leaving them open.
func New(options Options) *Server {
	return &Server{
		addr:   options.Addr,
		apiKey: options.APIKey,
		db:     options.DB,
		engine: options.Engine,
	}
}

// Start runs the listener until ctx is canceled. Startup failures land on
// errChan; shutdown is graceful with a short drain window.
func Start(ctx context.Context, options Options, errChan chan<- error) {
	s := New(options)
	logger.Info("HTTP: starting listener", "addr", s.addr)
	if err := s.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP: shutting down listener")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP: error shutting down listener", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.requireAPIKey)
	api.HandleFunc("/accounts/{id:[0-9]+}/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id:[0-9]+}/mutations", s.handleMutation).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id:[0-9]+}/invalidate", s.handleInvalidate).Methods(http.MethodPost)

	return r
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			writeError(w, http.StatusForbidden, "admin API disabled: no API key configured")
			return
		}
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.db.GetWritePool().Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	stats, err := s.engine.SyncAccount(r.Context(), accountID)
	if err != nil {
		logger.Warn("HTTP: sync request failed", "account_id", accountID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// mutationRequest is the admin API shape of a server mutation.
type mutationRequest struct {
	Action       string   `json:"action"`
	Folder       string   `json:"folder"`
	UID          uint32   `json:"uid"`
	TargetFolder string   `json:"target_folder,omitempty"`
	Flags        []string `json:"flags,omitempty"`
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	var body mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	flags := make([]imap.Flag, 0, len(body.Flags))
	for _, f := range body.Flags {
		flags = append(flags, imap.Flag(f))
	}

	result, err := s.engine.ApplyMutation(r.Context(), sync.MutationRequest{
		AccountID:    accountID,
		Action:       sync.MutationAction(body.Action),
		Folder:       body.Folder,
		UID:          imap.UID(body.UID),
		TargetFolder: body.TargetFolder,
		Flags:        flags,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if result.State == sync.MutationFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	s.engine.Accounts().Invalidate(accountID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func accountIDFromRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || accountID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return accountID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("HTTP: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
