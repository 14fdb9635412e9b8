// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cm

import (
	"fmt"
	"io"
	"strings"

	"github.com/decred/slog"
)

// Every actor constructor accepts a Logger. All logging should take place
// through the provided logger.
type Logger interface {
	slog.Logger
	// SubLogger creates a Logger with a subsystem name "parent[name]".
	SubLogger(name string) Logger
}

// logger contains the slog.Logger and the backend and levels needed to spawn
// subloggers.
type logger struct {
	slog.Logger
	name    string
	levels  map[string]slog.Level
	backend *slog.Backend
}

// Disabled is a Logger that discards all output.
var Disabled Logger = &logger{
	Logger:  slog.Disabled,
	backend: slog.NewBackend(io.Discard),
}

// SubLogger creates a new Logger for a subsystem with the given name,
// inheriting the parent's log level unless the combined name has an
// explicitly set level.
func (lgr *logger) SubLogger(name string) Logger {
	combinedName := fmt.Sprintf("%s[%s]", lgr.name, name)
	newLgr := lgr.backend.Logger(combinedName)
	level, found := lgr.levels[combinedName]
	if !found {
		level = lgr.Level()
	}
	newLgr.SetLevel(level)
	return &logger{
		Logger:  newLgr,
		name:    combinedName,
		levels:  lgr.levels,
		backend: lgr.backend,
	}
}

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new *LoggerMaker. The
// debugLevel string can specify a single verbosity for the entire system
// ("trace", "debug", "info", "warn", "error", "critical", "off") or the
// verbosity for individual subsystems ("MAIN=debug,ADMN=trace").
func NewLoggerMaker(be *slog.Backend, debugLevel string) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      be,
		Levels:       make(map[string]slog.Level),
		DefaultLevel: slog.LevelDebug,
	}

	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("invalid debug level %q", debugLevel)
		}
		lm.DefaultLevel = lvl
		return lm, nil
	}

	// Split the specified string into subsystem/level pairs and validate.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return nil, fmt.Errorf("the specified debug level contains an "+
				"invalid subsystem/level pair %q", logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("the specified debug level has an invalid "+
				"format %q", logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]

		lvl, ok := slog.LevelFromString(logLevel)
		if !ok {
			return nil, fmt.Errorf("invalid debug level %q", logLevel)
		}
		lm.Levels[subsysID] = lvl
	}

	return lm, nil
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	combinedName := fmt.Sprintf("%s[%s]", parent, name)
	lgr := lm.Backend.Logger(combinedName)
	lgr.SetLevel(level)
	return &logger{
		Logger:  lgr,
		name:    combinedName,
		levels:  lm.Levels,
		backend: lm.Backend,
	}
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the DefaultLevel
// is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	lgr := lm.Backend.Logger(name)
	lgr.SetLevel(lvl)
	return &logger{
		Logger:  lgr,
		name:    name,
		levels:  lm.Levels,
		backend: lm.Backend,
	}
}
