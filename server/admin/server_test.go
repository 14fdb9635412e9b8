// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/platform"
	"cyclesmarket.org/cmarket/server/tc"
	"github.com/decred/slog"
)

const tPass = "hunter2"

var errUnknownTC = errors.New("unknown trade contract")

func TestMain(m *testing.M) {
	UseLogger(slog.Disabled)
	os.Exit(m.Run())
}

type tCore struct {
	tcs        []TCSummary
	book       *MarketBook
	payoutErrs []tc.PayoutError
	cleared    bool
	created    cm.Principal
	createErr  error
	snapshot   []byte
}

func (c *tCore) TradeContracts() []TCSummary { return c.tcs }

func (c *tCore) Book(tcID cm.Principal) (*MarketBook, error) {
	if c.book == nil {
		return nil, errUnknownTC
	}
	return c.book, nil
}

func (c *tCore) PayoutsErrors(tcID cm.Principal) ([]tc.PayoutError, error) {
	return c.payoutErrs, nil
}

func (c *tCore) ClearPayoutsErrors(tcID cm.Principal) error {
	c.cleared = true
	return nil
}

func (c *tCore) CreateTradeContract(tokenLedger cm.Principal) (cm.Principal, error) {
	return c.created, c.createErr
}

func (c *tCore) ContinueCreateTradeContract(tokenLedger cm.Principal) (cm.Principal, error) {
	return c.created, c.createErr
}

func (c *tCore) UpgradeTCStatus(tcID cm.Principal) (platform.Status, error) {
	return platform.Status{Running: true}, nil
}

func (c *tCore) CreateTCStateSnapshot(tcID cm.Principal) (uint64, error) {
	return uint64(len(c.snapshot)), nil
}

func (c *tCore) DownloadTCStateSnapshot(tcID cm.Principal, offset, length uint64) ([]byte, error) {
	end := offset + length
	if end > uint64(len(c.snapshot)) {
		end = uint64(len(c.snapshot))
	}
	if offset >= end {
		return nil, nil
	}
	return c.snapshot[offset:end], nil
}

func newTestServer(t *testing.T, core SvrCore) *Server {
	t.Helper()
	s, err := NewServer(&SrvConfig{
		Core:    core,
		Addr:    "127.0.0.1:0",
		AuthSHA: sha256.Sum256([]byte(tPass)),
		NoTLS:   true,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func request(t *testing.T, s *Server, method, path, pass string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, nil)
	r.SetBasicAuth("", pass)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, r)
	return w
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, &tCore{})
	if w := request(t, s, "GET", "/api/ping", "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password got %d", w.Code)
	}
	if w := request(t, s, "GET", "/api/ping", tPass); w.Code != http.StatusOK {
		t.Fatalf("ping got %d", w.Code)
	}
}

func TestTradeContracts(t *testing.T) {
	core := &tCore{tcs: []TCSummary{{TC: "abcd", TokenLedger: "ef01"}}}
	s := newTestServer(t, core)
	w := request(t, s, "GET", "/api/tcs", tPass)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	var tcs []TCSummary
	if err := json.Unmarshal(w.Body.Bytes(), &tcs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(tcs) != 1 || tcs[0].TC != "abcd" {
		t.Fatalf("response: %+v", tcs)
	}
}

func TestBook(t *testing.T) {
	core := &tCore{book: &MarketBook{Cycles: []tc.BookEntry{{Rate: 5, Quantity: 10}}}}
	s := newTestServer(t, core)
	tcID := hex.EncodeToString([]byte("some-tc"))

	w := request(t, s, "GET", "/api/tc/"+tcID+"/book", tPass)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body)
	}
	var book MarketBook
	if err := json.Unmarshal(w.Body.Bytes(), &book); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(book.Cycles) != 1 || book.Cycles[0].Rate != 5 {
		t.Fatalf("book: %+v", book)
	}

	// Bad principal encoding.
	if w := request(t, s, "GET", "/api/tc/zzzz/book", tPass); w.Code != http.StatusBadRequest {
		t.Fatalf("bad principal got %d", w.Code)
	}
}

func TestCreateTC(t *testing.T) {
	core := &tCore{created: cm.NewPrincipal([]byte("new-tc"))}
	s := newTestServer(t, core)
	ledger := hex.EncodeToString([]byte("token-ledger"))

	w := request(t, s, "POST", "/api/tc/create?ledger="+ledger, tPass)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body)
	}

	core.createErr = errors.New("already exists")
	if w := request(t, s, "POST", "/api/tc/create?ledger="+ledger, tPass); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("create error got %d", w.Code)
	}
}

func TestSnapshot(t *testing.T) {
	core := &tCore{snapshot: []byte("serialized-heap-bytes")}
	s := newTestServer(t, core)
	tcID := hex.EncodeToString([]byte("some-tc"))

	w := request(t, s, "POST", "/api/tc/"+tcID+"/snapshot", tPass)
	if w.Code != http.StatusOK {
		t.Fatalf("create got %d: %s", w.Code, w.Body)
	}
	var length uint64
	if err := json.Unmarshal(w.Body.Bytes(), &length); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if length != uint64(len(core.snapshot)) {
		t.Fatalf("length %d, want %d", length, len(core.snapshot))
	}

	w = request(t, s, "GET", "/api/tc/"+tcID+"/snapshot?offset=11&length=4", tPass)
	if w.Code != http.StatusOK {
		t.Fatalf("download got %d", w.Code)
	}
	if got := w.Body.String(); got != "heap" {
		t.Fatalf("downloaded %q", got)
	}
}

func TestClearPayoutsErrors(t *testing.T) {
	core := &tCore{}
	s := newTestServer(t, core)
	tcID := hex.EncodeToString([]byte("some-tc"))
	w := request(t, s, "POST", "/api/tc/"+tcID+"/payouterrors/clear", tPass)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	if !core.cleared {
		t.Fatalf("clear not forwarded to core")
	}
}
