package httpapi

import (
	"fmt"
	"io"

	"github.com/flagedge/edge/internal/broadcaster"
)

// writeSSE renders one broadcaster.Event as a wire-format Server-Sent Event
// frame. A keepalive (no id, no name, no data) renders as a bare comment
// line so it never gets interpreted as a real event by SSE clients.
func writeSSE(w io.Writer, ev broadcaster.Event) {
	if broadcaster.IsKeepalive(ev) {
		fmt.Fprint(w, ": keep-alive\n\n")
		return
	}
	if ev.ID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.ID)
	}
	if ev.Name != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Name)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
}
