package main

import (
	"os"

	"github.com/btcsuite/btclog"

	"github.com/escrowd/escrowd/internal/adminapi"
	"github.com/escrowd/escrowd/internal/dealflow"
	"github.com/escrowd/escrowd/internal/deadlinemonitor"
	"github.com/escrowd/escrowd/internal/depositmonitor"
	"github.com/escrowd/escrowd/internal/dispute"
	"github.com/escrowd/escrowd/internal/notifier"
	"github.com/escrowd/escrowd/internal/payout"
)

// backendLog is the shared btclog.Backend every subsystem logger below is
// carved out of, mirroring lnd.go's own backendLog/subsystem split (there
// one backend feeds ltndLog/rpcsLog/srvrLog; here it feeds one logger per
// escrowd subsystem package).
var backendLog = btclog.NewBackend(os.Stdout)

// mainLog is the daemon's own top-level logger, playing ltndLog's role.
var mainLog = backendLog.Logger("ESCD")

// subsystemLoggers maps each subsystem's log tag to the UseLogger hook
// that wires it, the same registry lnd.go keeps so a single log-level
// flag can retarget every package at once.
var subsystemLoggers = map[string]func(btclog.Logger){
	"DFLW": dealflow.UseLogger,
	"DPST": depositmonitor.UseLogger,
	"DDLN": deadlinemonitor.UseLogger,
	"DISP": dispute.UseLogger,
	"PYUT": payout.UseLogger,
	"NTFY": notifier.UseLogger,
	"ADMA": adminapi.UseLogger,
}

// initLogging creates one logger per registered subsystem at the given
// level and installs it via that subsystem's UseLogger hook.
func initLogging(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		level = btclog.LevelInfo
	}
	mainLog.SetLevel(level)

	for tag, use := range subsystemLoggers {
		l := backendLog.Logger(tag)
		l.SetLevel(level)
		use(l)
	}
	return nil
}
