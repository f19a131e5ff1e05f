package diagnostics

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/waypoint/internal/navgate"
	"github.com/zulandar/waypoint/internal/session"
)

// heartbeatInterval is how often an idle event stream is pinged.
var heartbeatInterval = 15 * time.Second

// destinationEvent is the payload of a destination SSE event.
type destinationEvent struct {
	Destination session.Destination `json:"destination"`
	Route       string              `json:"route"`
	KeepSplash  bool                `json:"keep_splash"`
}

// handleSSE streams every destination change until the client goes away.
func handleSSE(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		dests := s.Subscribe(ctx)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case d, ok := <-dests:
				if !ok {
					return
				}
				writeSSE(c.Writer, "destination", destinationEvent{
					Destination: d,
					Route:       navgate.RouteFor(d).String(),
					KeepSplash:  d == session.Initializing,
				})
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
