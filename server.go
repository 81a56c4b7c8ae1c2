package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-redis/redis/v7"
	_ "github.com/lib/pq"

	"github.com/escrowd/escrowd/internal/adminapi"
	"github.com/escrowd/escrowd/internal/alerts"
	"github.com/escrowd/escrowd/internal/chainclient"
	"github.com/escrowd/escrowd/internal/circuitbreaker"
	"github.com/escrowd/escrowd/internal/deadlinemonitor"
	"github.com/escrowd/escrowd/internal/dealflow"
	"github.com/escrowd/escrowd/internal/depositmonitor"
	"github.com/escrowd/escrowd/internal/dispute"
	"github.com/escrowd/escrowd/internal/notifier"
	"github.com/escrowd/escrowd/internal/payout"
	"github.com/escrowd/escrowd/internal/priceindex"
	"github.com/escrowd/escrowd/internal/session"
	"github.com/escrowd/escrowd/internal/store"
)

// server houses every escrowd subsystem and the connections they share,
// the same central-messaging-bus role the teacher's own server struct
// plays for its peers/htlcSwitch/fundingMgr, generalized from a
// Lightning-peer hub to a deal-lifecycle hub: no peers or channels here,
// just the Deal Store, Session Store, chain client, and the subsystems
// built on top of them.
type server struct {
	started  int32
	shutdown int32

	cfg *config

	store    store.Store
	sessions *session.Store
	chain    chainclient.Client
	notifier notifier.Notifier
	alerts   *alerts.Recorder

	deposit  *depositmonitor.Monitor
	deadline *deadlinemonitor.Monitor
	disputes *dispute.Engine
	payouts  *payout.Pipeline
	deals    *dealflow.Flow
	admin    *adminapi.Server

	redisClient *redis.Client
	sqlDB       *sql.DB

	wg sync.WaitGroup
}

// newServer constructs every escrowd subsystem and wires their
// collaborators together, the sequence lnd.go's lndMain performs inline
// before calling newServer for its own (much larger) dependency graph.
func newServer(ctx context.Context, cfg *config) (*server, error) {
	st, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("opening deal store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping().Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	sqlDB, err := sql.Open("postgres", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("opening session-store sql handle: %w", err)
	}

	sessions := session.New(redisClient, sqlDB)

	chain := chainclient.NewTronClient(chainclient.DefaultTronConfig(
		cfg.TronBaseURL, cfg.TronAPIKey, cfg.TronUSDTContract,
	))

	n := notifier.NewLoggingNotifier()
	rec := alerts.New()

	prices := priceindex.New(priceindex.NewHTTPSource(cfg.PriceFeedURL, cfg.PriceFeedField, nil))

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("chain"))

	payouts := payout.New(payout.Config{
		Store: st, Chain: chain, Prices: prices, Notifier: n,
		CommissionWallet: payout.CommissionWallet(cfg.CommissionWallet),
		ArbiterAddress:   cfg.ArbiterAddress, ArbiterKey: cfg.ArbiterKey,
		Breaker: breaker, Alerts: rec,
	})

	deals := dealflow.New(dealflow.Config{
		Store: st, Chain: chain, Sessions: sessions, Notifier: n,
		Payout: payouts, ArbiterAddress: cfg.ArbiterAddress,
	})

	disputes := dispute.New(st, sessions, n, rec)

	deposit := depositmonitor.New(depositmonitor.Config{
		Store: st, Chain: chain, Notifier: n,
	})

	deadline := deadlinemonitor.New(deadlinemonitor.Config{
		Store: st, Sessions: sessions, Notifier: n,
	})

	admin, err := adminapi.New(adminapi.Config{
		ListenAddr:      cfg.AdminListenAddr,
		Store:           st,
		Dispute:         disputes,
		Chain:           chain,
		Alerts:          rec,
		MacaroonRootKey: []byte(cfg.AdminMacaroonKey),
		MacaroonPath:    cfg.DataDir + "/admin.macaroon",
		TLSCertPath:     cfg.DataDir + "/tls.cert",
		TLSKeyPath:      cfg.DataDir + "/tls.key",
	})
	if err != nil {
		return nil, fmt.Errorf("constructing admin API: %w", err)
	}

	return &server{
		cfg: cfg, store: st, sessions: sessions, chain: chain, notifier: n,
		alerts: rec, deposit: deposit, deadline: deadline, disputes: disputes,
		payouts: payouts, deals: deals, admin: admin,
		redisClient: redisClient, sqlDB: sqlDB,
	}, nil
}

// Start launches every background subsystem. It is idempotent, following
// the teacher's own started/shutdown CompareAndSwap guard.
func (s *server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}
	if err := s.deposit.Start(); err != nil {
		return fmt.Errorf("starting deposit monitor: %w", err)
	}
	if err := s.deadline.Start(); err != nil {
		return fmt.Errorf("starting deadline monitor: %w", err)
	}
	if err := s.admin.Start(); err != nil {
		return fmt.Errorf("starting admin API: %w", err)
	}
	return nil
}

// Stop gracefully shuts down every background subsystem in reverse
// dependency order.
func (s *server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}
	if err := s.admin.Stop(); err != nil {
		mainLog.Errorf("stopping admin API: %v", err)
	}
	if err := s.deadline.Stop(); err != nil {
		mainLog.Errorf("stopping deadline monitor: %v", err)
	}
	if err := s.deposit.Stop(); err != nil {
		mainLog.Errorf("stopping deposit monitor: %v", err)
	}
	s.redisClient.Close()
	s.sqlDB.Close()
	return nil
}

// WaitForShutdown blocks until every background goroutine this server
// launched has returned, mirroring the teacher's own WaitForShutdown.
func (s *server) WaitForShutdown() {
	s.wg.Wait()
}
