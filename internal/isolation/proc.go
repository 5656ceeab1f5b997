package isolation

import (
	"context"
	"log/slog"

	"github.com/shirou/gopsutil/v4/process"
)

// descendants lists every process below pid, children before their own
// children.
func descendants(ctx context.Context, pid int32) []*process.Process {
	root, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil
	}
	var ret []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		ret = append(ret, children...)
		queue = append(queue, children...)
	}
	return ret
}

// killAll kills processes which are still running.
func killAll(ctx context.Context, procs []*process.Process) {
	for _, p := range procs {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			slog.DebugContext(ctx, "killing worker descendant", "pid", p.Pid, "error", err)
		}
	}
}
