// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/server/admin"
	"cyclesmarket.org/cmarket/server/bank"
	"cyclesmarket.org/cmarket/server/cmmain"
	"cyclesmarket.org/cmarket/server/tc"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// A single backend logger is created and all subsystem loggers created from
// it will write to it through the logWriter.
//
// Loggers should not be used before the log rotator has been initialized
// with a log file. This must be performed early during application startup
// by calling initLogRotator.
var (
	// logRotator is one of the logging outputs. Use initLogRotator to set
	// it. It should be closed on application shutdown.
	logRotator *rotator.Rotator

	backendLog = slog.NewBackend(logWriter{})

	// package main's Logger.
	log = slog.Disabled
)

// subsystemIDs are the known log subsystems. The levels a debuglevel string
// may reference are validated against this list.
var subsystemIDs = []string{"MAIN", "PLAT", "BANK", "CMM", "TC", "ADMN", "CAN"}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
}

// subLogger makes a logger for one subsystem, honoring any per-subsystem
// level in the maker.
func subLogger(lm *cm.LoggerMaker, name string) cm.Logger {
	lvl, ok := lm.Levels[name]
	if !ok {
		lvl = lm.DefaultLevel
	}
	return lm.NewLogger(name, lvl)
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly, handing each package its subsystem logger. An
// appropriate error is returned if anything is invalid.
func parseAndSetDebugLevels(debugLevel string) (*cm.LoggerMaker, error) {
	lm, err := cm.NewLoggerMaker(backendLog, debugLevel)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(subsystemIDs))
	for _, id := range subsystemIDs {
		known[id] = true
	}
	for subsysID := range lm.Levels {
		if !known[subsysID] {
			return nil, fmt.Errorf("the specified subsystem [%v] is invalid -- "+
				"supported subsystems %v", subsysID, subsystemIDs)
		}
	}

	log = subLogger(lm, "MAIN")
	bank.UseLogger(subLogger(lm, "BANK"))
	cmmain.UseLogger(subLogger(lm, "CMM"))
	tc.UseLogger(subLogger(lm, "TC"))
	admin.UseLogger(subLogger(lm, "ADMN"))
	return lm, nil
}
