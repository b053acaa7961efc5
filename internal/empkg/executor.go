package empkg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Executor provides a consistent interface for executing commands,
// abstracting away the privilege escalation (sudo) logic.
type Executor struct {
	Context         context.Context // The context to use for cancellation
	ShouldRunAsRoot bool            // ShouldRunAsRoot specifies whether the command MUST be executed with root privileges.
	Interactive     bool            // Interactive indicates whether the command may prompt the user
}

// NewExecutor returns an unprivileged, non-interactive executor.
func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// Privileged returns a copy of e that elevates through sudo when needed.
func (e *Executor) Privileged() *Executor {
	c := *e
	c.ShouldRunAsRoot = true
	c.Interactive = true
	return &c
}

// runInteractiveCommand executes a command attached to the TTY. It does not
// isolate a process group, so `sudo -v` can prompt for a password.
func runInteractiveCommand(ctx context.Context, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ensureSudo checks if the sudo ticket is still valid and re-prompts if necessary.
// No action needed if we are already root or the command doesn't require root.
func (e *Executor) ensureSudo() error {
	if os.Geteuid() == 0 || !e.ShouldRunAsRoot {
		return nil
	}
	checkCmd := exec.CommandContext(e.Context, "sudo", "-nv")
	checkCmd.Stdout = io.Discard
	checkCmd.Stderr = io.Discard
	if err := checkCmd.Run(); err == nil {
		return nil
	}

	colArrow.Print("-> ")
	colSuccess.Println("Sudo ticket has expired. Re-authenticating")
	if err := runInteractiveCommand(e.Context, "sudo", "-v"); err != nil {
		return fmt.Errorf("sudo re-authentication failed: %w", err)
	}
	return nil
}

// Run executes the given command, elevating via sudo -E only when needed.
// It wires up stdio, isolates the child in its own process group for cleanup,
// and calls ensureSudo() to avoid unnecessary password prompts.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdin == nil && e.Interactive {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := e.ensureSudo(); err != nil {
		return err
	}

	var finalCmd *exec.Cmd
	if e.ShouldRunAsRoot && os.Geteuid() != 0 {
		args := append([]string{"-E", cmd.Path}, cmd.Args[1:]...)
		finalCmd = exec.CommandContext(e.Context, "sudo", args...)
	} else {
		finalCmd = exec.CommandContext(e.Context, cmd.Path, cmd.Args[1:]...)
	}
	finalCmd.Dir = cmd.Dir

	// preserve or inherit the environment
	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}

	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	if !e.Interactive {
		finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	// Non-interactive children get their whole process group killed on
	// cancellation; interactive ones are left to CommandContext.
	if !e.Interactive {
		pgid := finalCmd.Process.Pid
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-e.Context.Done():
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			case <-done:
			}
		}()
	}

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %w", e.Context.Err())
		}
		return waitErr
	}
	return nil
}

// Captured is the output of a finished command.
type Captured struct {
	Stdout string
	Stderr string
}

// Capture runs cmd and collects its stdout and stderr.
func (e *Executor) Capture(cmd *exec.Cmd) (Captured, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := e.Run(cmd)
	return Captured{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

// ScriptRunner executes rendered scripts as subprocesses.
type ScriptRunner struct {
	exec *Executor
	env  []string
}

// NewScriptRunner runs scripts through exec with env appended to the
// inherited environment.
func NewScriptRunner(exec *Executor, env []string) *ScriptRunner {
	return &ScriptRunner{exec: exec, env: env}
}

// RunScript executes the script at path inside workdir. A non-zero exit is
// a StageExecutionError carrying the captured output.
func (r *ScriptRunner) RunScript(stage, path, workdir string) (Captured, error) {
	cmd := exec.Command(path)
	return r.run(stage, path, cmd, workdir)
}

// RunCommand executes a shell command line inside workdir.
func (r *ScriptRunner) RunCommand(stage, command, workdir string) (Captured, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	return r.run(stage, command, cmd, workdir)
}

func (r *ScriptRunner) run(stage, display string, cmd *exec.Cmd, workdir string) (Captured, error) {
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), r.env...)
	debugf("Running %s in %s\n", display, workdir)
	out, err := r.exec.Capture(cmd)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("exit status %d", exitErr.ExitCode())
		}
		return out, StageFailed(stage, display, out.Stdout, out.Stderr, err)
	}
	return out, nil
}

// echoOutput prints a stage's captured output as build progress.
func echoOutput(out Captured) {
	if s := strings.TrimRight(out.Stdout, "\n"); s != "" {
		fmt.Println(s)
	}
	if s := strings.TrimRight(out.Stderr, "\n"); s != "" {
		fmt.Fprintln(os.Stderr, s)
	}
}
