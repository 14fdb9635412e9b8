// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"cyclesmarket.org/cmarket/cm"
	"github.com/go-chi/chi/v5"
)

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func writeJSON(w http.ResponseWriter, thing interface{}) {
	writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSONWithStatus marshals the provided interface and writes the bytes
// to the ResponseWriter with the specified response code.
func writeJSONWithStatus(w http.ResponseWriter, thing interface{}, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		log.Errorf("JSON encode error: %v", err)
	}
}

// urlPrincipal decodes a hex-form principal from the URL.
func urlPrincipal(r *http.Request, key string) (cm.Principal, error) {
	raw := chi.URLParam(r, key)
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) == 0 || len(b) > cm.MaxPrincipalLen {
		return "", fmt.Errorf("invalid principal %q", raw)
	}
	return cm.NewPrincipal(b), nil
}

// queryPrincipal decodes a hex-form principal from a query parameter.
func queryPrincipal(r *http.Request, key string) (cm.Principal, error) {
	raw := r.URL.Query().Get(key)
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) == 0 || len(b) > cm.MaxPrincipalLen {
		return "", fmt.Errorf("invalid principal %q", raw)
	}
	return cm.NewPrincipal(b), nil
}

// queryUint parses an unsigned integer query parameter, zero when absent.
func queryUint(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

// apiPing is the handler for the '/ping' API request.
func (_ *Server) apiPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, "pong")
}

// apiTradeContracts is the handler for the '/tcs' API request.
func (s *Server) apiTradeContracts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.core.TradeContracts())
}

// apiBook is the handler for the '/tc/{tcID}/book' API request.
func (s *Server) apiBook(w http.ResponseWriter, r *http.Request) {
	tcID, err := urlPrincipal(r, tcIDKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	book, err := s.core.Book(tcID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, book)
}

// apiPayoutsErrors is the handler for the '/tc/{tcID}/payouterrors' API
// request.
func (s *Server) apiPayoutsErrors(w http.ResponseWriter, r *http.Request) {
	tcID, err := urlPrincipal(r, tcIDKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	errs, err := s.core.PayoutsErrors(tcID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, errs)
}

// apiClearPayoutsErrors is the handler for the
// '/tc/{tcID}/payouterrors/clear' API request.
func (s *Server) apiClearPayoutsErrors(w http.ResponseWriter, r *http.Request) {
	tcID, err := urlPrincipal(r, tcIDKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.core.ClearPayoutsErrors(tcID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, "ok")
}

// apiCreateTC is the handler for the '/tc/create?ledger=HEX' API request.
func (s *Server) apiCreateTC(w http.ResponseWriter, r *http.Request) {
	ledger, err := queryPrincipal(r, "ledger")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tcID, err := s.core.CreateTradeContract(ledger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, tcID.String())
}

// apiCreateSnapshot is the handler for the POST '/tc/{tcID}/snapshot' API
// request. It asks the trade contract to serialize its heap and returns the
// snapshot length.
func (s *Server) apiCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	tcID, err := urlPrincipal(r, tcIDKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	length, err := s.core.CreateTCStateSnapshot(tcID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, length)
}

// apiDownloadSnapshot is the handler for the GET
// '/tc/{tcID}/snapshot?offset=N&length=N' API request. It streams raw
// snapshot bytes.
func (s *Server) apiDownloadSnapshot(w http.ResponseWriter, r *http.Request) {
	tcID, err := urlPrincipal(r, tcIDKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryUint(r, "offset")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	length, err := queryUint(r, "length")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := s.core.DownloadTCStateSnapshot(tcID, offset, length)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// apiTCStatus is the handler for the '/tc/{tcID}/status' API request.
func (s *Server) apiTCStatus(w http.ResponseWriter, r *http.Request) {
	tcID, err := urlPrincipal(r, tcIDKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, err := s.core.UpgradeTCStatus(tcID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, &StatusResult{
		Running:    status.Running,
		ModuleHash: hex.EncodeToString(status.ModuleHash[:]),
		Cycles:     status.Cycles,
		MemoryMiB:  status.MemoryMiB,
	})
}

// apiContinueCreateTC is the handler for the
// '/tc/create/continue?ledger=HEX' API request.
func (s *Server) apiContinueCreateTC(w http.ResponseWriter, r *http.Request) {
	ledger, err := queryPrincipal(r, "ledger")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tcID, err := s.core.ContinueCreateTradeContract(ledger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, tcID.String())
}
