package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tchow-twistedxcom/crewdeck/internal/hub"
	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
	"github.com/tchow-twistedxcom/crewdeck/internal/router"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
)

// Client-to-server event names.
const (
	reqCreate         = "session:create"
	reqInput          = "session:input"
	reqResize         = "session:resize"
	reqRestore        = "session:restore"
	reqSetActive      = "session:setActive"
	reqSwitchTab      = "session:switchTab"
	reqDestroy        = "session:destroy"
	reqBroadcastInput = "session:broadcastInput"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
)

type wsClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type createRequest struct {
	WorkingDir string   `json:"workingDir"`
	Kind       string   `json:"kind"`
	Params     []string `json:"params,omitempty"`
}

type inputRequest struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type resizeRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type targetRequest struct {
	SessionID  string `json:"sessionId"`
	WorkingDir string `json:"workingDir"`
	Kind       string `json:"kind"`
}

type setActiveRequest struct {
	WorkingDir string `json:"workingDir"`
	Observed   *bool  `json:"observed"`
}

type broadcastRequest struct {
	WorkingDirs []string `json:"workingDirs"`
	Kind        string   `json:"kind"`
	Input       string   `json:"input"`
}

// wsViewer is one WebSocket connection seen as a router.Viewer. Messages are
// queued on send and written by writePump.
type wsViewer struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newWSViewer(conn *websocket.Conn, queue int) *wsViewer {
	return &wsViewer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (v *wsViewer) ID() string { return v.id }

func (v *wsViewer) Send(msg router.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		webLog.Error("ws_marshal_failed", slog.String("event", msg.Event), slog.String("error", err.Error()))
		return true
	}
	select {
	case <-v.done:
		return false
	default:
	}
	select {
	case v.send <- data:
		return true
	default:
		logging.Aggregate(logging.CompWeb, "ws_queue_full", slog.String("viewer_id", v.id))
		return false
	}
}

func (v *wsViewer) Close() {
	v.closeOnce.Do(func() {
		close(v.done)
		_ = v.conn.Close()
	})
}

func (v *wsViewer) writePump() {
	defer v.Close()
	for {
		select {
		case <-v.done:
			return
		case data := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (v *wsViewer) sendError(request string, err error) {
	_, code := errorCode(err)
	v.Send(router.Message{Event: router.EventError, Data: router.ErrorPayload{
		Code:    code,
		Message: err.Error(),
		Request: request,
	}})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx := r.Context()
	v := newWSViewer(conn, s.cfg.ViewerQueue)
	go v.writePump()
	defer v.Close()

	if err := s.hub.Connect(ctx, v); err != nil {
		webLog.Warn("ws_connect_failed", slog.String("viewer_id", v.id), slog.String("error", err.Error()))
		return
	}
	defer s.hub.Disconnect(v.id)

	// Unblock ReadMessage when the server shuts down.
	stop := context.AfterFunc(ctx, v.Close)
	defer stop()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("viewer_id", v.id),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Event == "" {
			v.sendError("", &requestError{code: "INVALID_MESSAGE", message: "invalid json payload"})
			continue
		}
		if err := s.dispatch(ctx, v, msg); err != nil {
			if errors.Is(err, session.ErrLoopStopped) || ctx.Err() != nil {
				return
			}
			webLog.Debug("ws_request_failed",
				slog.String("viewer_id", v.id),
				slog.String("event", msg.Event),
				slog.String("error", err.Error()))
			v.sendError(msg.Event, err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, v *wsViewer, msg wsClientMessage) error {
	switch msg.Event {
	case reqCreate:
		var req createRequest
		if err := decodeData(msg.Data, &req); err != nil {
			return err
		}
		kind, err := session.ParseKind(req.Kind)
		if err != nil {
			return err
		}
		_, err = s.hub.Create(ctx, v.id, req.WorkingDir, kind, req.Params)
		return spawnError(err)

	case reqInput:
		var req inputRequest
		if err := decodeData(msg.Data, &req); err != nil {
			return err
		}
		return s.hub.Input(ctx, req.SessionID, []byte(req.Input))

	case reqResize:
		var req resizeRequest
		if err := decodeData(msg.Data, &req); err != nil {
			return err
		}
		return s.hub.Resize(ctx, req.SessionID, req.Cols, req.Rows)

	case reqRestore:
		t, err := decodeTarget(msg.Data)
		if err != nil {
			return err
		}
		_, err = s.hub.Restore(ctx, v.id, t)
		return err

	case reqSetActive:
		var req setActiveRequest
		if dir, ok := decodeString(msg.Data); ok {
			req.WorkingDir = dir
		} else if err := decodeData(msg.Data, &req); err != nil {
			return err
		}
		if req.WorkingDir == "" {
			return invalidRequest("workingDir is required")
		}
		observed := req.Observed == nil || *req.Observed
		return s.hub.SetActive(ctx, v.id, req.WorkingDir, observed)

	case reqSwitchTab:
		var req targetRequest
		if err := decodeData(msg.Data, &req); err != nil {
			return err
		}
		kind, err := session.ParseKind(req.Kind)
		if err != nil {
			return err
		}
		_, _, err = s.hub.Switch(ctx, v.id, req.WorkingDir, kind)
		return err

	case reqDestroy:
		id, ok := decodeString(msg.Data)
		if !ok {
			var req targetRequest
			if err := decodeData(msg.Data, &req); err != nil {
				return err
			}
			id = req.SessionID
		}
		if id == "" {
			return invalidRequest("sessionId is required")
		}
		_, err := s.hub.Destroy(ctx, id)
		return err

	case reqBroadcastInput:
		var req broadcastRequest
		if err := decodeData(msg.Data, &req); err != nil {
			return err
		}
		kind, err := session.ParseKind(req.Kind)
		if err != nil {
			return err
		}
		_, err = s.hub.BroadcastInput(ctx, v.id, req.WorkingDirs, kind, []byte(req.Input))
		return err
	}
	return &requestError{code: "UNKNOWN_EVENT", message: "unknown event " + msg.Event}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return invalidRequest("data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidRequest("invalid data payload")
	}
	return nil
}

func decodeString(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

// decodeTarget accepts a bare session id, {sessionId} or {workingDir, kind}.
func decodeTarget(raw json.RawMessage) (hub.Target, error) {
	if id, ok := decodeString(raw); ok {
		if id == "" {
			return hub.Target{}, invalidRequest("sessionId is required")
		}
		return hub.Target{SessionID: id}, nil
	}
	var req targetRequest
	if err := decodeData(raw, &req); err != nil {
		return hub.Target{}, err
	}
	if req.SessionID != "" {
		return hub.Target{SessionID: req.SessionID}, nil
	}
	if req.WorkingDir == "" {
		return hub.Target{}, invalidRequest("sessionId or workingDir is required")
	}
	kind, err := session.ParseKind(req.Kind)
	if err != nil {
		return hub.Target{}, err
	}
	return hub.Target{WorkingDir: req.WorkingDir, Kind: kind}, nil
}
