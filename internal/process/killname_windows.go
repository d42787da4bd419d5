//go:build windows

package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// killByNameCommand runs taskkill for name.exe including child processes.
// taskkill exits 128 when no process matched. The count is unknown.
func killByNameCommand(ctx context.Context, name string) (int, error) {
	if !strings.HasSuffix(strings.ToLower(name), ".exe") {
		name += ".exe"
	}
	// #nosec G204
	err := exec.CommandContext(ctx, "taskkill", "/F", "/IM", name, "/T").Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() == 128 {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return -1, nil
}
