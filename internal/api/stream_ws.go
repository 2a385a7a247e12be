package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-convo/internal/event"
	"github.com/flitsinc/go-convo/internal/turn"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleTurnWS accepts a websocket, reads one turn request, and streams the
// turn's envelopes as text frames. The socket closes after the terminal
// envelope.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var req turn.Request
	if err := json.Unmarshal(data, &req); err != nil {
		_ = conn.Close(websocket.StatusUnsupportedData, "malformed turn request")
		return
	}

	if err := streamTurn(ctx, s.Processor.Run(ctx, req), conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamTurn(ctx context.Context, envelopes <-chan event.Envelope, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
