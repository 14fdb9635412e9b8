// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cm

import (
	"bytes"
	"testing"

	"github.com/decred/slog"
)

func TestSubLogger(t *testing.T) {
	var buf bytes.Buffer
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(&buf),
		DefaultLevel: slog.LevelInfo,
		Levels:       map[string]slog.Level{"TC[BADG]": slog.LevelOff},
	}
	lgr := lm.NewLogger("TC")

	sub := lgr.SubLogger("SUB")
	if lvl := sub.Level(); lvl != slog.LevelInfo {
		t.Fatalf("sublogger level %v, want info", lvl)
	}
	sub.Infof("hello")
	if !bytes.Contains(buf.Bytes(), []byte("TC[SUB]")) {
		t.Fatalf("sublogger output %q missing combined subsystem tag", buf.Bytes())
	}

	// An explicitly configured combined name wins over the parent level.
	if off := lgr.SubLogger("BADG"); off.Level() != slog.LevelOff {
		t.Fatalf("configured sublogger level %v, want off", off.Level())
	}

	if Disabled.SubLogger("X") == nil {
		t.Fatalf("Disabled sublogger is nil")
	}
}

func TestNewLoggerMaker(t *testing.T) {
	be := slog.NewBackend(&bytes.Buffer{})

	lm, err := NewLoggerMaker(be, "trace")
	if err != nil {
		t.Fatalf("single level: %v", err)
	}
	if lm.DefaultLevel != slog.LevelTrace {
		t.Fatalf("default level %v", lm.DefaultLevel)
	}

	lm, err = NewLoggerMaker(be, "MAIN=debug,ADMN=warn")
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	if lm.Levels["MAIN"] != slog.LevelDebug || lm.Levels["ADMN"] != slog.LevelWarn {
		t.Fatalf("levels %v", lm.Levels)
	}

	if _, err = NewLoggerMaker(be, "bogus"); err == nil {
		t.Fatalf("bogus level did not error")
	}
}
