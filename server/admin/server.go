// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package admin provides a password protected https server to inspect and
// operate a running cycles market: trade contract creation, payout error
// inspection, and market views.
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/platform"
	"cyclesmarket.org/cmarket/server/tc"
	"github.com/decred/slog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

const (
	// rpcTimeoutSeconds is the number of seconds a connection to the
	// server is allowed to stay open without authenticating before it
	// is closed.
	rpcTimeoutSeconds = 10

	tcIDKey = "tcID"
)

var log slog.Logger

// UseLogger sets the logger for the admin package.
func UseLogger(logger slog.Logger) {
	log = logger
}

// TCSummary describes one trade contract to the operator.
type TCSummary struct {
	TC          string         `json:"tc"`
	TokenLedger string         `json:"tokenLedger"`
	Status      *StatusResult  `json:"status,omitempty"`
	Volume      tc.VolumeStats `json:"volume"`
}

// StatusResult is the JSON form of a canister status.
type StatusResult struct {
	Running    bool   `json:"running"`
	ModuleHash string `json:"moduleHash"`
	Cycles     uint64 `json:"cycles"`
	MemoryMiB  uint64 `json:"memoryMiB"`
}

// MarketBook is both sides of one contract's aggregated book.
type MarketBook struct {
	Cycles []tc.BookEntry `json:"cycles"`
	Tokens []tc.BookEntry `json:"tokens"`
}

// SvrCore is the market surface the admin server operates on.
type SvrCore interface {
	TradeContracts() []TCSummary
	Book(tcID cm.Principal) (*MarketBook, error)
	PayoutsErrors(tcID cm.Principal) ([]tc.PayoutError, error)
	ClearPayoutsErrors(tcID cm.Principal) error
	CreateTradeContract(tokenLedger cm.Principal) (cm.Principal, error)
	ContinueCreateTradeContract(tokenLedger cm.Principal) (cm.Principal, error)
	UpgradeTCStatus(tcID cm.Principal) (platform.Status, error)
	CreateTCStateSnapshot(tcID cm.Principal) (uint64, error)
	DownloadTCStateSnapshot(tcID cm.Principal, offset, length uint64) ([]byte, error)
}

// Server is a multi-client https server.
type Server struct {
	core      SvrCore
	addr      string
	tlsConfig *tls.Config
	srv       *http.Server
	authSHA   [32]byte
	limiter   *rate.Limiter
}

// SrvConfig holds variables needed to create a new Server.
type SrvConfig struct {
	Core            SvrCore
	Addr, Cert, Key string
	AuthSHA         [32]byte
	// NoTLS disables https for tests.
	NoTLS bool
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// NewServer is the constructor for a new Server.
func NewServer(cfg *SrvConfig) (*Server, error) {
	var tlsConfig *tls.Config
	if !cfg.NoTLS {
		// Find the key pair.
		if !fileExists(cfg.Key) || !fileExists(cfg.Cert) {
			return nil, fmt.Errorf("missing certificates")
		}
		keypair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}
	}

	// Create an HTTP router.
	mux := chi.NewRouter()
	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second, // slow requests should not hold connections opened
		WriteTimeout: rpcTimeoutSeconds * time.Second, // hung responses must die
	}

	// Make the server.
	s := &Server{
		core:      cfg.Core,
		srv:       httpServer,
		addr:      cfg.Addr,
		tlsConfig: tlsConfig,
		authSHA:   cfg.AuthSHA,
		limiter:   rate.NewLimiter(10, 20),
	}

	// Middleware
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(s.throttle)
	mux.Use(s.authMiddleware)

	// api endpoints
	mux.Route("/api", func(r chi.Router) {
		r.Get("/ping", s.apiPing)
		r.Get("/tcs", s.apiTradeContracts)
		r.Post("/tc/create", s.apiCreateTC)
		r.Post("/tc/create/continue", s.apiContinueCreateTC)
		r.Route(fmt.Sprintf("/tc/{%s}", tcIDKey), func(rm chi.Router) {
			rm.Get("/book", s.apiBook)
			rm.Get("/payouterrors", s.apiPayoutsErrors)
			rm.Get("/payouterrors/ws", s.apiPayoutsErrorsWS)
			rm.Post("/payouterrors/clear", s.apiClearPayoutsErrors)
			rm.Post("/snapshot", s.apiCreateSnapshot)
			rm.Get("/snapshot", s.apiDownloadSnapshot)
			rm.Get("/status", s.apiTCStatus)
		})
	})

	return s, nil
}

// Run starts the server.
func (s *Server) Run(ctx context.Context) {
	var listener net.Listener
	var err error
	if s.tlsConfig != nil {
		listener, err = tls.Listen("tcp", s.addr, s.tlsConfig)
	} else {
		listener, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		log.Errorf("can't listen on %s. admin server quitting: %v", s.addr, err)
		return
	}

	// Close the listener on context cancellation.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := s.srv.Shutdown(context.Background()); err != nil {
			log.Errorf("HTTP server Shutdown: %v", err)
		}
	}()
	log.Infof("admin server listening on %s", s.addr)
	if err := s.srv.Serve(listener); err != http.ErrServerClosed {
		log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}

	// Wait for Shutdown.
	wg.Wait()
	log.Infof("admin server off")
}

// throttle applies a global request rate limit.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks incoming requests for authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// User is ignored.
		_, pass, ok := r.BasicAuth()
		authSHA := sha256.Sum256([]byte(pass))
		if !ok || subtle.ConstantTimeCompare(s.authSHA[:], authSHA[:]) != 1 {
			log.Warnf("server authentication failure from ip: %s", r.RemoteAddr)
			w.Header().Add("WWW-Authenticate", `Basic realm="market admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
