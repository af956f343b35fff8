package authgateway

import (
	"net/http"
	"time"

	"github.com/opendatalabs/databridge/internal/loopback"
	log "github.com/sirupsen/logrus"
)

const landingText = "Data Bridge auth callback server is running."

const closeTabDelay = 800 * time.Millisecond

const closeTabHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Data Bridge</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, sans-serif; text-align: center; padding-top: 15vh;">
<h2>You're signed in</h2>
<p>You can close this tab and return to Data Bridge.</p>
<script>setTimeout(function () { window.close(); }, 300);</script>
</body>
</html>`

// TabCloser closes the browser tab that completed the flow.
type TabCloser interface {
	CloseBrowserTab() error
}

func landingPage(*loopback.Request) *loopback.Response {
	return loopback.Text(http.StatusOK, landingText)
}

// closeTabPage serves the final page and ends the accept loop. The browser tab is closed
// shortly after, best-effort.
func closeTabPage(closer TabCloser) loopback.HandlerFunc {
	return func(*loopback.Request) *loopback.Response {
		if closer != nil {
			go func() {
				time.Sleep(closeTabDelay)
				if err := closer.CloseBrowserTab(); err != nil {
					log.WithField("component", "authgateway").Debugf("close browser tab failed: %v", err)
				}
			}()
		}
		resp := loopback.HTML(http.StatusOK, closeTabHTML)
		resp.StopServer = true
		return resp
	}
}
