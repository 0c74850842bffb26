package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/SiddharthManjul/BondMM-A/config"
	"github.com/SiddharthManjul/BondMM-A/core/events"
	"github.com/SiddharthManjul/BondMM-A/native/bank"
	"github.com/SiddharthManjul/BondMM-A/native/bondmm"
	"github.com/SiddharthManjul/BondMM-A/native/oracle"
	"github.com/SiddharthManjul/BondMM-A/observability/logging"
	"github.com/SiddharthManjul/BondMM-A/rpc"
	"github.com/SiddharthManjul/BondMM-A/storage"
)

const anchorRateEnv = "BONDMM_ANCHOR_RATE_WAD"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BONDMM_ENV"))
	logger := logging.Setup("bondmmd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	var db storage.Database
	if cfg.InMemoryState {
		db = storage.NewMemDB()
	} else {
		db, err = storage.NewLevelDB(filepath.Join(cfg.DataDir, "pool"))
		if err != nil {
			logger.Error("failed to open state database", "err", err)
			os.Exit(1)
		}
	}
	defer db.Close()

	feed := oracle.NewManualFeed("manual")
	if raw := strings.TrimSpace(os.Getenv(anchorRateEnv)); raw != "" {
		rate, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			logger.Error("invalid anchor rate", "value", raw)
			os.Exit(1)
		}
		feed.Observe(rate, time.Now())
	}
	agg := oracle.NewAggregator(cfg.OracleMaxAge())
	agg.Register("manual", feed)

	poolAddr := common.HexToAddress(cfg.PoolAddress)
	ledger := bank.NewLedger()

	engine := bondmm.NewEngine(poolAddr, agg, ledger)
	engine.SetState(storage.NewPoolStore(db))
	engine.SetEmitter(events.NewRecorder())
	engine.SetLogger(logger)

	server := rpc.NewServer(engine)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving pool API", "addr", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", fmt.Sprint(sig))
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown incomplete", "err", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}
}
