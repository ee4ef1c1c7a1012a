// Command proofserver exposes the proving pipeline over HTTP (spec.md §6
// "Proof-server HTTP"), grounded in the teacher's walletserver/routes.go
// route-registration style, rehomed onto chi instead of gorilla/mux per the
// ambient HTTP stack (SPEC_FULL.md §4.I).
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logrus "github.com/sirupsen/logrus"

	"midnight-ledger/internal/ledger"
	"midnight-ledger/internal/zswap"
	"midnight-ledger/pkg/provingpool"
)

// Version is the proof-server's reported package version (GET /version).
const Version = "v0.1.0"

// server bundles the proving pool, key resolver and config this process was
// started with, exactly as the teacher's controllers close over injected
// services rather than reaching for globals.
type server struct {
	pool     *provingpool.Pool
	resolver zswap.KeyResolver
	log      *logrus.Logger
	deadline time.Duration
}

func newRouter(s *server) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/version", s.handleVersion)
	r.Get("/proof-versions", s.handleProofVersions)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/prove-tx", s.handleProveTx)

	return r
}

// requestLogger mirrors the teacher's walletserver/middleware.Logger
// (method, URI, latency) adapted to chi's middleware signature.
func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":  r.Method,
				"uri":     r.RequestURI,
				"latency": time.Since(start),
			}).Info("proofserver: request handled")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	processing, pending, capacity := s.pool.Status()
	body := map[string]any{
		"jobsProcessing": processing,
		"jobsPending":    pending,
		"jobCapacity":    capacity,
	}
	if s.pool.Busy() {
		body["status"] = "busy"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	writeJSON(w, http.StatusOK, body)
}

func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, Version)
}

func (s *server) handleProofVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []string{"V1"})
}

// handleMetrics serves plaintext counters (SPEC_FULL.md §6' ambient
// surface), in the teacher's own Prometheus-text-exposition style
// (github.com/prometheus/client_golang is in the dependency graph but this
// handler writes the exposition format by hand since there is no
// registered Collector for these ad hoc pool counters).
func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	processing, pending, capacity := s.pool.Status()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "proofserver_jobs_processing %d\n", processing)
	fmt.Fprintf(w, "proofserver_jobs_pending %d\n", pending)
	fmt.Fprintf(w, "proofserver_job_capacity %d\n", capacity)
}

// proveTxRequest is the proof-server's practical JSON request body. Exact
// tagged-SCALE wire framing is out of scope (spec.md §6 lists it among the
// "wire format minutiae" Non-goals); this carries just enough of a
// StandardTransaction to exercise sealing and proving end to end.
type proveTxRequest struct {
	NetworkID    string   `json:"network_id"`
	TTLSeconds   int64    `json:"ttl_seconds"`
	KeyLocations []string `json:"key_locations"` // one guaranteed-offer input per entry
}

type proveTxResponse struct {
	Phase      string   `json:"phase"`
	MockProven bool     `json:"mock_proven"`
	ProofKeys  []string `json:"proof_keys"`
}

func (s *server) handleProveTx(w http.ResponseWriter, r *http.Request) {
	if s.pool.Busy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "busy"})
		return
	}

	var req proveTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NetworkID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed prove-tx request"})
		return
	}
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = int64(time.Hour.Seconds())
	}

	tx := ledger.NewStandard(req.NetworkID)
	tx.Intents[ledger.CanonicalIntentSegment] = &ledger.Intent{
		SegmentID: ledger.CanonicalIntentSegment,
		TTL:       time.Now().Add(time.Duration(req.TTLSeconds) * time.Second),
	}
	offer := zswap.NewOffer()
	for _, loc := range req.KeyLocations {
		offer.Inputs = append(offer.Inputs, zswap.Input{
			Preimage: &zswap.ProofPreimage{KeyLocation: loc},
		})
	}
	tx.GuaranteedCoins = offer

	provider := provingpool.WorkerPoolProver{Pool: s.pool, Deadline: s.deadline}
	if err := tx.Prove(r.Context(), s.resolver, provider); err != nil {
		switch {
		case errors.Is(err, provingpool.ErrJobQueueFull), errors.Is(err, provingpool.ErrSubmissionThrottled):
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		default:
			s.log.WithError(err).Error("proofserver: prove-tx failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	keys := make([]string, 0, len(tx.Proofs))
	for k := range tx.Proofs {
		keys = append(keys, k)
	}
	writeJSON(w, http.StatusOK, proveTxResponse{
		Phase:      tx.Phase.String(),
		MockProven: tx.MockProven,
		ProofKeys:  keys,
	})
}
