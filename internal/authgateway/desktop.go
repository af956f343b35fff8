package authgateway

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const osascriptTimeout = 3 * time.Second

// Desktop focuses the application and closes browser tabs through the operating system.
// Only macOS is supported; elsewhere both calls are no-ops.
type Desktop struct {
	// AppName is the application activated by FocusMainWindow.
	AppName string
}

// FocusMainWindow activates the application.
func (d Desktop) FocusMainWindow() error {
	if runtime.GOOS != "darwin" || strings.TrimSpace(d.AppName) == "" {
		return nil
	}
	name := strings.ReplaceAll(d.AppName, `"`, `\"`)
	return runOSAScript(fmt.Sprintf(`tell application "%s" to activate`, name))
}

// CloseBrowserTab sends Cmd+W to the frontmost application, which is the browser that
// just rendered the close-tab page.
func (d Desktop) CloseBrowserTab() error {
	if runtime.GOOS != "darwin" {
		return nil
	}
	return runOSAScript(`tell application "System Events" to keystroke "w" using command down`)
}

func runOSAScript(script string) error {
	ctx, cancel := context.WithTimeout(context.Background(), osascriptTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "osascript", "-e", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
