package offline0

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// channelFrame is one control message on the WebSocket channel.
type channelFrame struct {
	API       string   `json:"api"`
	Path      string   `json:"path,omitempty"`
	Resources []string `json:"resources,omitempty"`
}

// channelAck is written back once the operation of a frame has completed.
type channelAck struct {
	API   string `json:"api"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (f channelFrame) message() ControlMessage {
	msg := ControlMessage{API: f.API, Op: ParseOp(f.API), Resources: f.Resources}
	if f.Path != "" {
		msg.Path = normalizePath(f.Path)
	}
	return msg
}

// channelHandler is the message channel a page uses to tell the controller
// which resources a rendered route needs.
type channelHandler struct {
	ctrl     *Controller
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func newChannelHandler(ctrl *Controller, log *zap.Logger) *channelHandler {
	return &channelHandler{
		ctrl: ctrl,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
		},
	}
}

func (h *channelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := h.log.With(zap.String("conn", uuid.NewString()))
	log.Debug("channel opened", zap.String("remote", r.RemoteAddr))
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("channel closed", zap.Error(err))
			}
			return
		}

		ack := h.apply(data)
		b, err := sonic.Marshal(ack)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (h *channelHandler) apply(data []byte) channelAck {
	var f channelFrame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return channelAck{Error: "malformed message"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.ctrl.Dispatch(ctx, f.message(), "channel"); err != nil {
		h.log.Warn("channel message failed", zap.String("api", f.API), zap.Error(err))
		return channelAck{API: f.API, Error: err.Error()}
	}
	return channelAck{API: f.API, OK: true}
}
