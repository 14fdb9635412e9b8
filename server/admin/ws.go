// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPollInterval = 5 * time.Second
	wsWriteWait    = 10 * time.Second
	wsPingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// apiPayoutsErrorsWS streams new payout errors for one trade contract over a
// websocket. Each poll sends only errors the connection has not seen.
func (s *Server) apiPayoutsErrorsWS(w http.ResponseWriter, r *http.Request) {
	tcID, err := urlPrincipal(r, tcIDKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	log.Debugf("payout error stream opened for %s by %s", tcID, r.RemoteAddr)

	// Drain reads so close frames and pongs are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(wsPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	sent := 0
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			errs, err := s.core.PayoutsErrors(tcID)
			if err != nil {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
					time.Now().Add(wsWriteWait))
				return
			}
			if len(errs) < sent {
				// The ring was cleared or rolled; resend from the top.
				sent = 0
			}
			for _, pe := range errs[sent:] {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(pe); err != nil {
					return
				}
			}
			sent = len(errs)
		}
	}
}
