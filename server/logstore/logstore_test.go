// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package logstore

import (
	"bytes"
	"io"
	"testing"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/platform"
	"github.com/decred/slog"
)

var tLoggerMaker = &cm.LoggerMaker{
	Backend:      slog.NewBackend(io.Discard),
	DefaultLevel: slog.LevelOff,
}

var tPusher = cm.NewPrincipal([]byte("trade-contract"))

func newTestStore(t *testing.T) *Store {
	t.Helper()
	env := platform.Env{
		ID:  cm.NewPrincipal([]byte("storage-0")),
		Log: tLoggerMaker.NewLogger("LOGS"),
	}
	s, err := New(env, &InitQuest{Pusher: tPusher})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(id uint64, key string, data string) Record {
	return Record{ID: id, IndexKeys: [][]byte{[]byte(key)}, Data: []byte(data)}
}

func TestPushAndMapRChunks(t *testing.T) {
	s := newTestStore(t)
	err := s.PushLogs(tPusher, []Record{
		rec(0, "alice", "aaaa"),
		rec(1, "bob__", "bbbb"),
		rec(2, "alice", "cccc"),
		rec(3, "alice", "dddd"),
	})
	if err != nil {
		t.Fatalf("PushLogs: %v", err)
	}
	if s.FirstLogID() != 0 || s.Length() != 4 {
		t.Fatalf("first %d length %d", s.FirstLogID(), s.Length())
	}

	// Newest first for alice: dddd, cccc, aaaa.
	out, err := s.MapLogsRChunks([]byte("alice"), nil, 10)
	if err != nil {
		t.Fatalf("MapLogsRChunks: %v", err)
	}
	if !bytes.Equal(out, []byte("ddddccccaaaa")) {
		t.Fatalf("got %q", out)
	}

	// Chunk limit.
	out, _ = s.MapLogsRChunks([]byte("alice"), nil, 2)
	if !bytes.Equal(out, []byte("ddddcccc")) {
		t.Fatalf("chunk limit: got %q", out)
	}

	// Strictly below beforeID.
	before := uint64(3)
	out, _ = s.MapLogsRChunks([]byte("alice"), &before, 10)
	if !bytes.Equal(out, []byte("ccccaaaa")) {
		t.Fatalf("beforeID: got %q", out)
	}

	// Unknown key.
	out, _ = s.MapLogsRChunks([]byte("carol"), nil, 10)
	if len(out) != 0 {
		t.Fatalf("unknown key returned %q", out)
	}
}

func TestRepushOverwrite(t *testing.T) {
	s := newTestStore(t)
	if err := s.PushLogs(tPusher, []Record{rec(0, "alice", "creation-bytes")}); err != nil {
		t.Fatalf("PushLogs: %v", err)
	}
	// The same id is pushed again once its terminal data lands. It must
	// overwrite in place without moving the counters.
	if err := s.PushLogs(tPusher, []Record{rec(0, "alice", "terminal-bytes")}); err != nil {
		t.Fatalf("re-push: %v", err)
	}
	if s.Length() != 1 {
		t.Fatalf("length %d after overwrite, want 1", s.Length())
	}
	if got := s.BytesStored(); got != uint64(len("terminal-bytes")) {
		t.Fatalf("bytes stored %d, want %d", got, len("terminal-bytes"))
	}
	out, err := s.MapLogsRChunks([]byte("alice"), nil, 10)
	if err != nil {
		t.Fatalf("MapLogsRChunks: %v", err)
	}
	if !bytes.Equal(out, []byte("terminal-bytes")) {
		t.Fatalf("got %q", out)
	}
}

func TestLogsRange(t *testing.T) {
	s := newTestStore(t)
	if err := s.PushLogs(tPusher, []Record{rec(5, "k", "v5"), rec(6, "k", "v6")}); err != nil {
		t.Fatalf("PushLogs: %v", err)
	}
	logs, err := s.Logs(5, 10)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 2 || !bytes.Equal(logs[0], []byte("v5")) || !bytes.Equal(logs[1], []byte("v6")) {
		t.Fatalf("got %q", logs)
	}
	if s.FirstLogID() != 5 {
		t.Fatalf("first id %d", s.FirstLogID())
	}
}

func TestFull(t *testing.T) {
	s := newTestStore(t)
	big := make([]byte, MaxStorageBytes)
	if err := s.PushLogs(tPusher, []Record{{ID: 0, Data: big}}); err != nil {
		t.Fatalf("PushLogs: %v", err)
	}
	if !s.IsFull() {
		t.Fatalf("store not full at %d bytes", s.BytesStored())
	}
}

func TestUnauthorizedPushPanics(t *testing.T) {
	s := newTestStore(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("push from a non-pusher did not panic")
		}
	}()
	s.PushLogs(cm.NewPrincipal([]byte("intruder")), []Record{rec(0, "k", "v")})
}
