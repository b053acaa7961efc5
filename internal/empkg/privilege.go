package empkg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// needsRootPrivileges reports whether the run will install makedepends
// through sudo.
func needsRootPrivileges(bc *BuildContext, opts BuildOptions) bool {
	if os.Geteuid() == 0 || opts.SkipMakeDepends {
		return false
	}
	return len(bc.List("makedepends")) > 0
}

// authenticateOnce asks for the sudo password up front and keeps the
// ticket alive until ctx is done, so a long build does not stop at a
// prompt halfway through.
func authenticateOnce(ctx context.Context) error {
	if os.Geteuid() == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, "sudo", "-v")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo authentication failed: %w", err)
	}

	go func() {
		ticker := time.NewTicker(4 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = exec.Command("sudo", "-nv").Run()
			case <-ctx.Done():
				return
			}
		}
	}()

	step("Authenticated via sudo")
	return nil
}
