package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"midnight-ledger/internal/zswap"
	"midnight-ledger/pkg/provingpool"
)

func newTestServer(capacity int) *server {
	var prover zswap.MockProver
	pool := provingpool.New(capacity, time.Hour, prover, nil, logrus.New())
	return &server{pool: pool, resolver: nil, log: logrus.New(), deadline: 5 * time.Second}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(4)
	defer s.pool.Close()
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleReadyNotBusy(t *testing.T) {
	s := newTestServer(4)
	defer s.pool.Close()
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleVersion(t *testing.T) {
	s := newTestServer(4)
	defer s.pool.Close()
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, Version, rr.Body.String())
}

func TestHandleProofVersions(t *testing.T) {
	s := newTestServer(4)
	defer s.pool.Close()
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/proof-versions", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var versions []string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &versions))
	require.Equal(t, []string{"V1"}, versions)
}

func TestHandleProveTxMalformedBody(t *testing.T) {
	s := newTestServer(4)
	defer s.pool.Close()
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/prove-tx", bytes.NewBufferString("not json"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleProveTxSucceeds(t *testing.T) {
	s := newTestServer(4)
	defer s.pool.Close()
	r := newRouter(s)

	body, err := json.Marshal(proveTxRequest{NetworkID: "mainnet", KeyLocations: []string{"input-0"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/prove-tx", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp proveTxResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "proven-signed", resp.Phase)
	require.False(t, resp.MockProven)
	require.Len(t, resp.ProofKeys, 1)
}

func TestHandleMetrics(t *testing.T) {
	s := newTestServer(4)
	defer s.pool.Close()
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "proofserver_job_capacity 4")
}
