package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/board-api/livefeed"
)

var keepaliveInterval = 30 * time.Second

var (
	sseDataPrefix = []byte("data: ")
	sseFrameEnd   = []byte("\n\n")
	sseKeepalive  = []byte(":keepalive\n\n")
)

// streamEvents holds the connection open and writes one SSE frame per live
// update. The connection is closed when the hub drops a lagging client.
func streamEvents(hub *livefeed.Hub, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if hub == nil {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "stream unavailable"})
		}
		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "stream unsupported"})
		}

		sub := hub.Subscribe()
		defer hub.Unsubscribe(sub)
		entry := logger.WithField("remote_addr", c.RealIP())
		entry.Debug("stream client connected")
		defer entry.Debug("stream client disconnected")

		res.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sub.Dropped():
				entry.Warn("stream subscription dropped, closing client")
				return nil
			case <-ticker.C:
				if _, err := res.Write(sseKeepalive); err != nil {
					return nil
				}
			case data := <-sub.Frames():
				if err := writeFrame(res, data); err != nil {
					entry.WithError(err).Debug("stream write failed")
					return nil
				}
			}
			flusher.Flush()
		}
	}
}

func writeFrame(res *echo.Response, data []byte) error {
	if _, err := res.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := res.Write(data); err != nil {
		return err
	}
	_, err := res.Write(sseFrameEnd)
	return err
}
