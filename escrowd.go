// escrowd runs the escrow daemon: the Deposit Monitor, Deadline Monitor,
// Dispute Engine, Payout Pipeline, and Admin API, all wired together by
// the server type in server.go. This file keeps lnd.go's own
// lndMain/main split (a nested "real" entrypoint so deferred cleanup
// still runs on a graceful return, rather than folding everything into
// main itself) but replaces Lightning-specific bring-up — chain backend
// selection, wallet unlock, the gRPC+REST proxy pair — with escrowd's
// own subsystem construction and a plain graceful-shutdown wait.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
)

// escrowdMain is the true entry point for escrowd, kept separate from
// main for the same reason lnd.go's own lndMain is: deferred cleanup in
// main itself is skipped by os.Exit, so all of it has to live one frame
// down.
func escrowdMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogging(cfg.LogLevel); err != nil {
		return err
	}
	mainLog.Info("escrowd starting")

	srv, err := newServer(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	mainLog.Info("escrowd shutting down")
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	srv.WaitForShutdown()
	mainLog.Info("shutdown complete")
	return nil
}

func main() {
	// Use all processor cores, the same runtime.GOMAXPROCS call lnd.go's
	// own main makes before anything else runs.
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := escrowdMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
