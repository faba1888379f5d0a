package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // runs behind the operator's own proxy
	},
}

// wsIncoming is an execution request from the client.
type wsIncoming struct {
	Type string `json:"type"`
	// Ref is echoed back so clients can match results to requests.
	Ref string `json:"ref,omitempty"`
	runRequest
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type   string            `json:"type"`
	Ref    string            `json:"ref,omitempty"`
	Result *sandbox.Response `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	id := uuid.NewString()
	as, ctx := s.sessions.Open(context.Background(), id)
	defer s.sessions.Remove(id)
	log := s.log.WithField("conn", id)

	// Read loop
	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("websocket read")
			}
			return
		}

		if msg.Type != "execute" {
			wsWriteJSON(conn, log, wsOutgoing{Type: "error", Ref: msg.Ref, Error: "unknown message type"})
			continue
		}

		s.processWebSocketMessage(ctx, conn, as, log, msg)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Server) processWebSocketMessage(ctx context.Context, conn *websocket.Conn, as *ActiveSession, log *logrus.Entry, msg wsIncoming) {
	// Each message is an independent execution; they run one at a time.
	as.mu.Lock()
	defer as.mu.Unlock()

	req, err := msg.toSandbox()
	if err != nil {
		wsWriteJSON(conn, log, wsOutgoing{Type: "error", Ref: msg.Ref, Error: err.Error()})
		return
	}

	resp, err := s.engine.Execute(ctx, req)
	if err != nil {
		out := wsOutgoing{Type: "error", Ref: msg.Ref, Error: err.Error()}
		var ve *sandbox.ValidationError
		if !errors.As(err, &ve) && !errors.Is(err, engine.ErrBusy) && ctx.Err() == nil {
			log.WithError(err).Error("execute")
			out.Error = "internal error"
		}
		wsWriteJSON(conn, log, out)
		return
	}

	wsWriteJSON(conn, log, wsOutgoing{Type: "result", Ref: msg.Ref, Result: resp})
}

func wsWriteJSON(conn *websocket.Conn, log *logrus.Entry, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("websocket marshal")
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.WithError(err).Debug("websocket write")
	}
}
