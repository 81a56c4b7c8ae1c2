// Package adminapi implements the Admin/Operator API (spec §6): an HTTP
// surface over the Deal/Transaction/Dispute/Alert read paths plus the
// four admin-initiated actions (resolve dispute, cancel dispute,
// export receipt, trigger broadcast reconciliation). Its lifecycle —
// started/shutdown atomics guarding idempotent Start/Stop, a quit
// channel, a WaitGroup around the serving goroutine — follows
// rpcServer's shape in rpcserver.go, generalized from an in-process
// gRPC server embedded in the daemon's own process to a TLS HTTP
// listener, since the admin surface here is a REST contract rather than
// the teacher's LightningServer RPC surface. Routing uses
// julienschmidt/httprouter, matching the teacher's own go.mod dependency
// for exactly this purpose; authentication is a bearer macaroon
// (gopkg.in/macaroon.v2), the server-side half of the client pattern
// cmd/lncli/main.go already implements.
package adminapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/hashicorp/go-multierror"
	"github.com/julienschmidt/httprouter"

	"github.com/escrowd/escrowd/internal/alerts"
	"github.com/escrowd/escrowd/internal/chainclient"
	"github.com/escrowd/escrowd/internal/dispute"
	"github.com/escrowd/escrowd/internal/metrics"
	"github.com/escrowd/escrowd/internal/store"
)

var log = btclog.Disabled

// UseLogger sets the package-level logger used by this subsystem.
func UseLogger(l btclog.Logger) { log = l }

// Config wires a Server's collaborators and on-disk bootstrap paths.
type Config struct {
	ListenAddr string // e.g. "127.0.0.1:8443"

	Store   store.Store
	Dispute *dispute.Engine
	Chain   chainclient.Client
	Alerts  *alerts.Recorder

	// MacaroonRootKey is the secret used to mint and verify the single
	// admin.macaroon this server issues. Required.
	MacaroonRootKey []byte
	// MacaroonPath is where the minted admin macaroon is written on
	// first start, the same "read if present, else bootstrap" pattern
	// TLSCertPath/TLSKeyPath use below.
	MacaroonPath string

	TLSCertPath string
	TLSKeyPath  string
	// ExtraTLSHosts/IPs extend the self-signed cert's SAN set beyond
	// localhost, for operators reaching this server by a LAN hostname.
	ExtraTLSHosts []string
	ExtraTLSIPs   []net.IP
}

// Server is the Admin/Operator API subsystem.
type Server struct {
	cfg  Config
	auth *Authenticator

	httpServer *http.Server
	listener   net.Listener

	started  int32
	shutdown int32
	wg       sync.WaitGroup
	quit     chan struct{}
}

// validate reports every missing required field at once rather than
// stopping at the first, so an operator fixing a bad config file sees the
// whole list in one run instead of one error per restart.
func (cfg Config) validate() error {
	var result *multierror.Error
	if cfg.Store == nil {
		result = multierror.Append(result, fmt.Errorf("adminapi: Store is required"))
	}
	if cfg.Dispute == nil {
		result = multierror.Append(result, fmt.Errorf("adminapi: Dispute is required"))
	}
	if cfg.Chain == nil {
		result = multierror.Append(result, fmt.Errorf("adminapi: Chain is required"))
	}
	if len(cfg.MacaroonRootKey) == 0 {
		result = multierror.Append(result, fmt.Errorf("adminapi: MacaroonRootKey is required"))
	}
	if cfg.ListenAddr == "" {
		result = multierror.Append(result, fmt.Errorf("adminapi: ListenAddr is required"))
	}
	return result.ErrorOrNil()
}

// New constructs a Server. It does not bind a listener or write any
// bootstrap files yet; that happens in Start, mirroring newRpcServer's
// separation of construction from the work Start performs.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	auth, err := NewAuthenticator(cfg.MacaroonRootKey)
	if err != nil {
		return nil, err
	}
	if cfg.Alerts == nil {
		cfg.Alerts = alerts.New()
	}
	return &Server{cfg: cfg, auth: auth, quit: make(chan struct{})}, nil
}

// Start is idempotent: it bootstraps the admin macaroon and TLS cert if
// absent, builds the route table, and begins serving in a background
// goroutine.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	if err := s.bootstrapMacaroon(); err != nil {
		return fmt.Errorf("adminapi: bootstrapping macaroon: %w", err)
	}
	cert, err := loadOrGenerateTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath, s.cfg.ExtraTLSIPs, s.cfg.ExtraTLSHosts)
	if err != nil {
		return fmt.Errorf("adminapi: bootstrapping TLS cert: %w", err)
	}

	listener, err := tls.Listen("tcp", s.cfg.ListenAddr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("adminapi: binding %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("adminapi: serve: %v", err)
		}
	}()

	log.Infof("Admin API listening on %s", s.cfg.ListenAddr)
	return nil
}

// Stop is idempotent and gracefully drains in-flight requests before
// returning.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}
	close(s.quit)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Errorf("adminapi: shutdown: %v", err)
		}
	}
	s.wg.Wait()
	return nil
}

func (s *Server) bootstrapMacaroon() error {
	if s.cfg.MacaroonPath == "" {
		return nil
	}
	if _, err := os.Stat(s.cfg.MacaroonPath); err == nil {
		return nil
	}
	mac, err := s.auth.Bake()
	if err != nil {
		return err
	}
	raw, err := mac.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(s.cfg.MacaroonPath, raw, 0600)
}

func (s *Server) routes() http.Handler {
	r := httprouter.New()

	r.GET("/deals", s.metered("GET /deals", s.requireMacaroon(s.listDeals)))
	r.GET("/deals/:id", s.metered("GET /deals/:id", s.requireMacaroon(s.getDeal)))
	r.POST("/deals/:id/receipt", s.metered("POST /deals/:id/receipt", s.requireMacaroon(s.dealReceipt)))
	r.GET("/transactions", s.metered("GET /transactions", s.requireMacaroon(s.listTransactions)))
	r.GET("/disputes", s.metered("GET /disputes", s.requireMacaroon(s.listDisputes)))
	r.POST("/disputes/:id/resolve", s.metered("POST /disputes/:id/resolve", s.requireMacaroon(s.resolveDispute)))
	r.POST("/disputes/:id/cancel", s.metered("POST /disputes/:id/cancel", s.requireMacaroon(s.cancelDispute)))
	r.GET("/alerts", s.metered("GET /alerts", s.requireMacaroon(s.listAlerts)))
	r.POST("/broadcast/:txhash", s.metered("POST /broadcast/:txhash", s.requireMacaroon(s.triggerBroadcast)))

	return r
}

// metered wraps a route handler for internal/metrics.AdminAPIRequests.
// requireMacaroon records its own "unauthorized" outcome before next is
// ever called, so a 401 here is skipped to avoid double-counting; this
// only distinguishes "ok" from "error" for requests that reached the
// handler itself.
func (s *Server) metered(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, ps)
		if rec.status == http.StatusUnauthorized {
			return
		}
		outcome := "ok"
		if rec.status >= 400 {
			outcome = "error"
		}
		metrics.AdminAPIRequests.WithLabelValues(route, outcome).Inc()
	}
}

func metricsUnauthorized(route string) {
	metrics.AdminAPIRequests.WithLabelValues(route, "unauthorized").Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
