package xfermgr

import (
	"context"
	"os/exec"
)

// Launcher starts the worker process that will dial the command pipe.
// Connect passes the pipe name; how the worker binary is located,
// installed, or privileged is the launcher's business.
type Launcher interface {
	Launch(ctx context.Context, pipeName string) error
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, pipeName string) error

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, pipeName string) error {
	return f(ctx, pipeName)
}

// ExecLauncher launches the worker binary as a child process with
// "command-connect <pipe>" appended to its arguments.
type ExecLauncher struct {
	// Path is the worker binary
	Path string
	// Args are extra arguments placed before the connect arguments
	Args []string
}

// Launch starts the worker. The child is reaped in the background; the
// command channel, not the process handle, defines the session's lifetime.
func (l *ExecLauncher) Launch(ctx context.Context, pipeName string) error {
	args := append(append([]string{}, l.Args...), "command-connect", pipeName)
	cmd := exec.CommandContext(ctx, l.Path, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}
