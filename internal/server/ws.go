package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ayusman/quforia/internal/device"
)

const (
	poseBuffer   = 32
	writeTimeout = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// PoseSubscriber hands out pose subscriptions.
type PoseSubscriber interface {
	Subscribe(buffer int) (<-chan *device.Pose, func())
}

// PoseHandler streams delivered engine poses as JSON over a WebSocket.
type PoseHandler struct {
	poses  PoseSubscriber
	logger *zap.SugaredLogger
}

// NewPoseHandler creates a new PoseHandler over the given subscriber.
func NewPoseHandler(poses PoseSubscriber, logger *zap.SugaredLogger) *PoseHandler {
	return &PoseHandler{poses: poses, logger: logger}
}

// ServeHTTP upgrades the connection and writes one message per delivered pose until the client
// goes away.
func (h *PoseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	poses, cancel := h.poses.Subscribe(poseBuffer)
	defer cancel()

	// The read side only detects the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case pose, ok := <-poses:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(pose); err != nil {
				h.logger.Debugw("pose stream closed", "error", err)
				return
			}
		}
	}
}
