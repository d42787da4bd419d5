//go:build !windows

package process

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
)

// killByNameCommand runs pkill against argv[0] ending in name. pkill exits 1
// when nothing matched, which is not an error here. The count is unknown.
func killByNameCommand(ctx context.Context, name string) (int, error) {
	pattern := `(^|/)` + regexp.QuoteMeta(name) + `( |$)`
	// #nosec G204
	err := exec.CommandContext(ctx, "pkill", "-KILL", "-f", pattern).Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() == 1 {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return -1, nil
}
