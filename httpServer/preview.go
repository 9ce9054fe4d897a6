package httpServer

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"avatarcam/internal/imaging"
)

const previewWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream pushes JPEG-encoded frames as binary websocket messages,
// throttled to the preview rate. Frames arriving faster are skipped.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordViewerStart()
		defer s.deps.Metrics.RecordViewerStop()
	}

	id, frames, cleanup := s.deps.Hub.Subscribe("preview", 1)
	defer cleanup()

	log := s.log.WithField("viewer", id)
	log.Info("Preview viewer connected")
	defer log.Info("Preview viewer disconnected")

	// Drain client messages so close frames are processed
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(s.deps.PreviewFPS), 1)
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if !limiter.Allow() {
				continue
			}

			data, err := imaging.EncodeJPEG(frame, s.deps.JPEGQuality)
			if err != nil {
				log.WithError(err).Warn("Failed to encode preview frame")
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(previewWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("Preview write failed")
				}
				return
			}
		}
	}
}
