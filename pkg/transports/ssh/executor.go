package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// scriptDir is where scripts are staged before they run.
const scriptDir = "/tmp"

// Run runs a command on the remote host.
func (c *SSHClient) Run(ctx context.Context, cmd string, opts RunOptions) (ExecResult, error) {
	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}
	return c.execute(ctx, cmd, opts)
}

// RunScript copies a script to the remote host, runs it with interpreter and
// removes it again. An empty interpreter runs the script directly.
func (c *SSHClient) RunScript(ctx context.Context, script string, interpreter string, opts RunOptions) (ExecResult, error) {
	id := uuid.New().String()
	tmpFile := fmt.Sprintf("%s/groundwork-script-%s", scriptDir, id)

	log.Debug().
		Str("host", c.config.Host).
		Str("tmpfile", tmpFile).
		Str("interpreter", interpreter).
		Bool("sudo", opts.Sudo).
		Msg("executing script")

	if _, err := c.Run(ctx, scriptWriteCommand(tmpFile, id, script), RunOptions{}); err != nil {
		return ExecResult{Command: interpreter + " <script>", ExitCode: -1}, fmt.Errorf("failed to write script: %w", err)
	}

	execCmd := tmpFile
	if interpreter != "" {
		execCmd = fmt.Sprintf("%s %s", interpreter, tmpFile)
	}

	result, err := c.Run(ctx, execCmd, opts)

	// Cleanup must run even when ctx was cancelled.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, cleanupErr := c.execute(cleanupCtx, "rm -f "+tmpFile, RunOptions{}); cleanupErr != nil {
		log.Warn().Err(cleanupErr).Str("tmpfile", tmpFile).Msg("failed to clean up script file")
	}

	return result, err
}

// scriptWriteCommand writes script to path through a heredoc. The terminator
// carries the run's id so no script line can end the heredoc early.
func scriptWriteCommand(path, id, script string) string {
	marker := "GROUNDWORK_SCRIPT_EOF_" + strings.ReplaceAll(id, "-", "")
	return fmt.Sprintf("cat > %s << '%s'\n%s\n%s\nchmod 700 %s", path, marker, script, marker, path)
}

// sudoCommand wraps cmd for sudo. The password, if any, is fed on stdin so it
// never appears in the process list.
func sudoCommand(cmd string, opts RunOptions) string {
	if !opts.Sudo {
		return cmd
	}
	if opts.SudoPassword != "" {
		return fmt.Sprintf("sudo -S -p '' sh -c %s", shellQuote(cmd))
	}
	return fmt.Sprintf("sudo -n sh -c %s", shellQuote(cmd))
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// execute runs one command in a new session.
func (c *SSHClient) execute(ctx context.Context, cmd string, opts RunOptions) (ExecResult, error) {
	result := ExecResult{
		Command:   cmd,
		ExitCode:  -1,
		StartedAt: time.Now(),
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Bool("sudo", opts.Sudo).
		Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return result, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return result, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if opts.Sudo && opts.SudoPassword != "" {
		session.Stdin = strings.NewReader(opts.SudoPassword + "\n")
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(sudoCommand(cmd, opts))
	}()

	var execErr error
	select {
	case <-ctx.Done():
		// Closing the session makes Run return, so the buffers are no longer written.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-doneChan
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result.Duration = time.Since(result.StartedAt)
	result.Stdout = strings.TrimSpace(stdoutBuf.String())
	result.Stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		result.ExitCode = 0
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		// Command ran but returned non-zero exit code
		result.ExitCode = exitErr.ExitStatus()
		return result, &TransportError{
			Op:       "execute",
			Err:      fmt.Errorf("command exited with code %d", result.ExitCode),
			ExitCode: result.ExitCode,
			IsExit:   true,
		}
	}

	return result, &TransportError{
		Op:          "execute",
		Err:         execErr,
		IsTemporary: true,
	}
}
