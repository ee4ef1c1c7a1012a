package main

import (
	"net/http"
	"os"
	"time"

	logrus "github.com/sirupsen/logrus"

	"midnight-ledger/internal/zswap"
	"midnight-ledger/pkg/config"
	"midnight-ledger/pkg/dataprovider"
	"midnight-ledger/pkg/provingpool"
)

func main() {
	log := logrus.New()

	cfg, err := config.Load(os.Getenv("SYNN_ENV"))
	if err != nil {
		log.Fatalf("proofserver: load config: %v", err)
	}

	resolver, err := dataprovider.New(dataprovider.Config{
		BaseURL:    cfg.DataProvider.ParamSource,
		CacheDir:   cfg.Arena.BackendPath + "-params",
		MaxRetries: cfg.DataProvider.MaxRetries,
		Backoff:    time.Duration(cfg.DataProvider.BackoffMillis) * time.Millisecond,
	}, log)
	if err != nil {
		log.Fatalf("proofserver: init data provider: %v", err)
	}

	// No external proving backend is wired yet, so the pool runs the mock
	// prover; swapping in a real ProvingProvider is a one-line change here.
	var prover zswap.MockProver
	pool := provingpool.New(
		cfg.ProvingPool.Capacity,
		time.Duration(cfg.ProvingPool.JanitorIntervalSecs)*time.Second,
		prover,
		resolver,
		log,
	)
	defer pool.Close()

	s := &server{pool: pool, resolver: resolver, log: log, deadline: 30 * time.Second}
	router := newRouter(s)

	log.WithField("addr", cfg.HTTP.ListenAddr).Info("proofserver: listening")
	if err := http.ListenAndServe(cfg.HTTP.ListenAddr, router); err != nil {
		log.Fatalf("proofserver: serve: %v", err)
	}
}
