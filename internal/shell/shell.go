// Package shell is a headless stand-in for the desktop UI: it reports the
// backend URL and error screens through the logger and can hand the URL to
// the system browser.
package shell

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
)

// Headless implements app.Shell without a window.
type Headless struct {
	OpenBrowser bool
	// Open overrides the system browser launcher; used by tests.
	Open   func(ctx context.Context, url string) error
	Logger *slog.Logger

	mu      sync.Mutex
	url     string
	lastErr error
}

func (h *Headless) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Headless) LoadURL(ctx context.Context, url string) error {
	h.mu.Lock()
	h.url = url
	h.lastErr = nil
	h.mu.Unlock()
	h.logger().Info("application available", slog.String("url", url))
	if !h.OpenBrowser {
		return nil
	}
	open := h.Open
	if open == nil {
		open = openBrowser
	}
	return open(ctx, url)
}

func (h *Headless) ShowError(_ context.Context, err error) error {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
	h.logger().Error("startup failed", slog.String("message", err.Error()))
	return nil
}

// Current returns the last loaded URL and the last error shown.
func (h *Headless) Current() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url, h.lastErr
}

func openBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	// #nosec G204
	return cmd.Start()
}
