//go:build windows

package isolation

import (
	"context"
	"os/exec"
	"time"
)

func configureProcess(*exec.Cmd) {}

func killTree(ctx context.Context, cmd *exec.Cmd, _ time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	tree := descendants(ctx, int32(cmd.Process.Pid))
	_ = cmd.Process.Kill()
	killAll(ctx, tree)
}
