// Package browser provides cross-platform functionality for opening the identity provider
// in the user's default web browser, with a clipboard fallback when no browser can be launched.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/atotto/clipboard"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// ErrCopiedToClipboard is returned by OpenOrCopy when the browser could not be opened but
// the URL was placed on the clipboard instead.
type ErrCopiedToClipboard struct {
	URL   string
	Cause error
}

// Error returns a string representation of the fallback.
func (e *ErrCopiedToClipboard) Error() string {
	return fmt.Sprintf("browser unavailable (%v); url copied to clipboard", e.Cause)
}

// Unwrap returns the browser error.
func (e *ErrCopiedToClipboard) Unwrap() error {
	return e.Cause
}

var (
	openURL       = OpenURL
	writeClipText = clipboard.WriteAll
)

// OpenOrCopy opens url in the default browser. When that fails it copies url to the clipboard
// so the user can paste it manually.
//
// Parameters:
//   - url: The URL to open.
//
// Returns:
//   - nil when the browser opened, *ErrCopiedToClipboard when the clipboard fallback was used,
//     otherwise an error describing both failures.
func OpenOrCopy(url string) error {
	errOpen := openURL(url)
	if errOpen == nil {
		return nil
	}
	log.Warnf("could not open browser: %v", errOpen)

	if errCopy := writeClipText(url); errCopy != nil {
		return fmt.Errorf("open browser: %w; copy to clipboard: %v", errOpen, errCopy)
	}
	log.Info("auth url copied to clipboard")
	return &ErrCopiedToClipboard{URL: url, Cause: errOpen}
}

// fallbackCommands lists, per GOOS, the launchers tried in order when open-golang fails.
// The URL is appended as the last argument.
var fallbackCommands = map[string][][]string{
	"darwin":  {{"open"}},
	"windows": {{"rundll32", "url.dll,FileProtocolHandler"}},
	"linux":   {{"xdg-open"}, {"x-www-browser"}, {"www-browser"}, {"firefox"}, {"chromium"}, {"google-chrome"}},
}

// OpenURL opens url with open-golang and falls back to the first launcher found on PATH.
// The launcher is reaped in the background.
func OpenURL(url string) error {
	errOpen := open.Run(url)
	if errOpen == nil {
		return nil
	}
	log.Debugf("open-golang failed for %s: %v", url, errOpen)

	candidates, ok := fallbackCommands[runtime.GOOS]
	if !ok {
		return fmt.Errorf("open browser: unsupported operating system %s", runtime.GOOS)
	}
	for _, argv := range candidates {
		bin, errLook := exec.LookPath(argv[0])
		if errLook != nil {
			continue
		}
		cmd := exec.Command(bin, append(argv[1:len(argv):len(argv)], url)...)
		if errStart := cmd.Start(); errStart != nil {
			return fmt.Errorf("open browser with %s: %w", argv[0], errStart)
		}
		go func() { _ = cmd.Wait() }()
		return nil
	}
	return fmt.Errorf("open browser: no launcher found (%w)", errOpen)
}
