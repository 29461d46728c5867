package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"Attestor/internal/auth"
	"Attestor/internal/curve"
	"Attestor/internal/feed"
	"Attestor/internal/ledger"
	"Attestor/internal/logger"
	"Attestor/internal/oracle"
	"Attestor/internal/pricing"
	"Attestor/internal/registry"
	"Attestor/internal/verifier"
	"Attestor/internal/wire"
)

const (
	// maxRequestSize is the maximum request body size in bytes.
	maxRequestSize = 64 << 10 // 64 KB

	// defaultBatch is the distribution batch size when max is omitted.
	defaultBatch = 256
)

// Oracle is the service surface the API exposes.
type Oracle interface {
	Publish(feedID string, message []byte, sig verifier.AggregateSignature, answer feed.Answer) (uint64, error)
	Distribute(feedID string, signer curve.Identity, maxBatch uint64) (ledger.Result, error)
	Pending(feedID string, signer curve.Identity) (ledger.Account, error)
	Feed(feedID string) (*feed.Feed, error)
	Feeds() []*feed.Feed
	Stats(feedID string) (oracle.FeedStats, error)
	Signers() []registry.Slot
	Status() oracle.Status
	Pricing() pricing.Params

	AddSigner(caller curve.Identity, key *curve.Point) (uint16, error)
	RemoveSigner(caller, addr curve.Identity) (registry.Event, error)
	UpdatePricing(caller curve.Identity, params pricing.Params) error
	GrantRole(caller, id curve.Identity, role auth.Role) error
	RevokeRole(caller, id curve.Identity, role auth.Role) error
	CreateFeed(caller curve.Identity, params feed.Params, duration time.Duration) (*feed.Feed, error)
	ExtendSubscription(caller curve.Identity, feedID string, duration time.Duration) (*feed.Feed, error)
	TopUp(caller curve.Identity, feedID string, amount uint64) (*feed.Feed, error)
	UpdateFeedConfig(caller curve.Identity, feedID string, frequency time.Duration, minSignatures uint16) (*feed.Feed, error)
	Claim(caller curve.Identity, feedID string) (uint64, error)
	ClaimFor(caller curve.Identity, feedID string, signer curve.Identity) (uint64, error)
}

// Server is the HTTP API server.
type Server struct {
	addr   string           // addr is the HTTP listen address
	oracle Oracle           // oracle serves every request
	server *http.Server     // server is the underlying HTTP server
	now    func() time.Time // now checks command timestamps
	replay *replayGuard     // replay rejects reused command signatures
}

// New creates a new HTTP API server.
func New(addr string, o Oracle) *Server {
	return &Server{addr: addr, oracle: o, now: time.Now, replay: newReplayGuard()}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /signers", s.handleSigners)
	mux.HandleFunc("GET /feeds", s.handleFeeds)
	mux.HandleFunc("GET /feeds/{id}", s.handleFeed)
	mux.HandleFunc("GET /feeds/{id}/pending", s.handlePending)
	mux.HandleFunc("POST /feeds/{id}/publish", s.handlePublish)
	mux.HandleFunc("POST /feeds/{id}/distribute", s.handleDistribute)
	mux.HandleFunc("GET /pricing", s.handlePricing)

	// Signed commands.
	mux.HandleFunc("POST /signers", s.handleAddSigner)
	mux.HandleFunc("DELETE /signers/{address}", s.handleRemoveSigner)
	mux.HandleFunc("PUT /pricing", s.handleUpdatePricing)
	mux.HandleFunc("PUT /roles/{role}/{id}", s.handleGrantRole)
	mux.HandleFunc("DELETE /roles/{role}/{id}", s.handleRevokeRole)
	mux.HandleFunc("POST /feeds", s.handleCreateFeed)
	mux.HandleFunc("POST /feeds/{id}/extend", s.handleExtend)
	mux.HandleFunc("POST /feeds/{id}/topup", s.handleTopUp)
	mux.HandleFunc("PUT /feeds/{id}/config", s.handleFeedConfig)
	mux.HandleFunc("POST /feeds/{id}/claim", s.handleClaim)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.oracle.Status()

	writeJSON(w, http.StatusOK, StatusView{
		Signers:         st.Signers,
		Feeds:           st.Feeds,
		SnapshotVersion: st.SnapshotVersion,
	})
}

// handleSigners handles GET /signers requests.
func (s *Server) handleSigners(w http.ResponseWriter, r *http.Request) {
	slots := s.oracle.Signers()

	out := make([]SignerView, len(slots))
	for i, slot := range slots {
		out[i] = newSignerView(slot)
	}

	writeJSON(w, http.StatusOK, out)
}

// handleFeeds handles GET /feeds requests.
func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := s.oracle.Feeds()

	out := make([]FeedView, 0, len(feeds))
	for _, f := range feeds {
		stats, err := s.oracle.Stats(f.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		out = append(out, newFeedView(f, stats))
	}

	writeJSON(w, http.StatusOK, out)
}

// handleFeed handles GET /feeds/{id} requests.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	f, err := s.oracle.Feed(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	stats, err := s.oracle.Stats(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newFeedView(f, stats))
}

// handlePending handles GET /feeds/{id}/pending?signer=<hex> requests.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	signer, err := curve.ParseIdentity(r.URL.Query().Get("signer"))
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, fmt.Sprintf("invalid signer: %v", err))
		return
	}

	acct, err := s.oracle.Pending(r.PathValue("id"), signer)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AccountView{
		Signer:  acct.Signer.String(),
		Pending: acct.Pending,
		Cursor:  acct.Cursor,
	})
}

// handlePublish handles POST /feeds/{id}/publish requests.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > maxRequestSize {
		s.reject(w, r, http.StatusRequestEntityTooLarge, "request too large")
		return
	}

	req, err := wire.DecodePublish(body)
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")

	entry, err := s.oracle.Publish(id, req.Message, req.AggregateSignature(), req.Answer())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PublishView{Feed: id, Entry: entry})
}

// handleDistribute handles POST /feeds/{id}/distribute?signer=<hex>&max=<n> requests.
func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	signer, err := curve.ParseIdentity(q.Get("signer"))
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, fmt.Sprintf("invalid signer: %v", err))
		return
	}

	maxBatch := uint64(defaultBatch)
	if raw := q.Get("max"); raw != "" {
		if maxBatch, err = strconv.ParseUint(raw, 10, 64); err != nil {
			s.reject(w, r, http.StatusBadRequest, fmt.Sprintf("invalid max: %q", raw))
			return
		}
	}

	res, err := s.oracle.Distribute(r.PathValue("id"), signer, maxBatch)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, DistributeView{
		Processed: res.Processed,
		Matched:   res.Matched,
		Remaining: res.Remaining,
		Pending:   res.Pending,
	})
}

// fail maps a service error to its status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.reject(w, r, statusOf(err), err.Error())
}

// reject logs and writes an error response.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, message string) {
	logger.Warn("request rejected",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", message,
	)

	writeError(w, status, message)
}

// statusOf maps an error class to an HTTP status.
func statusOf(err error) int {
	if errors.Is(err, oracle.ErrUnknownFeed) {
		return http.StatusNotFound
	}

	switch oracle.Kind(err) {
	case oracle.KindValidation:
		return http.StatusBadRequest
	case oracle.KindConflict:
		return http.StatusConflict
	case oracle.KindPolicy:
		return http.StatusUnprocessableEntity
	case oracle.KindUnauthorized:
		return http.StatusForbidden
	case oracle.KindExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
