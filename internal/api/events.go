package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/coinstash/remotedesk/internal/logging"
	"github.com/coinstash/remotedesk/internal/recovery"
)

// eventWriteTimeout bounds one event frame write to a subscriber.
const eventWriteTimeout = 10 * time.Second

// handleEvents streams registry and tunnel events to an operator over a
// websocket. Subscribers that cannot keep up lose events rather than
// slowing the machines down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("event stream upgrade failed",
			logging.KeyRemoteAddr, r.RemoteAddr,
			logging.KeyError, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	defer recovery.RecoverWithLog(s.logger, "eventStream")

	// Operators only listen; CloseRead surfaces the client hanging up
	// as context cancellation.
	ctx := conn.CloseRead(r.Context())

	id, events := s.rt.Hub().Subscribe()
	defer s.rt.Hub().Unsubscribe(id)

	s.logger.Info("event stream subscriber connected",
		logging.KeyRemoteAddr, r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encoding event", logging.KeyError, err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("event stream subscriber gone",
					logging.KeyRemoteAddr, r.RemoteAddr,
					logging.KeyError, err)
				return
			}
		}
	}
}
