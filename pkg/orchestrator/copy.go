package orchestrator

import (
	"io"

	"github.com/aymanbagabas/go-osc52/v2"
)

// CopyLink asks the terminal behind w to put url on the system clipboard
// using the OSC 52 escape sequence. Terminals without OSC 52 support ignore
// it; write errors are dropped.
func CopyLink(w io.Writer, url string) {
	if w == nil || url == "" {
		return
	}
	_, _ = osc52.New(url).WriteTo(w)
}
