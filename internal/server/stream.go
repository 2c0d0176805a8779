package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ayusman/quforia/internal/capture"
	"github.com/ayusman/quforia/internal/device"
)

// StreamInterval is the MJPEG refresh period, about 15 fps.
const StreamInterval = 66 * time.Millisecond

// FrameSource yields the most recently delivered camera frame.
type FrameSource interface {
	LatestFrame() *device.CameraFrame
}

// StreamHandler serves MJPEG frames of what the engine was last handed.
type StreamHandler struct {
	frames   FrameSource
	interval time.Duration
}

// NewStreamHandler creates a new StreamHandler over the given frame source.
func NewStreamHandler(frames FrameSource) *StreamHandler {
	return &StreamHandler{frames: frames, interval: StreamInterval}
}

// ServeHTTP streams MJPEG frames to connected clients. A frame is sent once; the stream idles
// until a newer one is delivered.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last int64
	sent := false
	for {
		if frame := h.frames.LatestFrame(); frame != nil && (!sent || frame.Timestamp != last) {
			jpeg, err := capture.EncodeJPEG(frame.Buffer, frame.Width, frame.Height)
			if err == nil {
				fmt.Fprintf(w, "--frame\r\n")
				fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
				fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(jpeg))
				w.Write(jpeg)
				fmt.Fprintf(w, "\r\n")

				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
			last, sent = frame.Timestamp, true
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
