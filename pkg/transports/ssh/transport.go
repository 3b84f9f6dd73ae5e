// Package ssh runs actions on targets over SSH.
package ssh

import (
	"context"
	"errors"
	"time"
)

// Transport is a connection to one host. SSHClient is the implementation
// used outside tests.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	HealthCheck(ctx context.Context) error

	// Run runs cmd. A command that exits non-zero returns its output along
	// with a *TransportError carrying the exit code.
	Run(ctx context.Context, cmd string, opts RunOptions) (ExecResult, error)

	// RunScript stages script on the host, runs it with interpreter and
	// removes it again.
	RunScript(ctx context.Context, script string, interpreter string, opts RunOptions) (ExecResult, error)

	// Upload copies localPath to remotePath over SFTP.
	Upload(ctx context.Context, localPath string, remotePath string, mode uint32, opts RunOptions) (FileTransferResult, error)

	GetConnectionInfo() ConnectionInfo
}

// RunOptions controls privilege escalation.
type RunOptions struct {
	Sudo bool

	// SudoPassword is fed to sudo on stdin. Empty relies on NOPASSWD.
	SudoPassword string
}

// ConnectionInfo describes a connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
	ViaProxy     bool
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	// Command is what was sent to the host, minus any sudo password.
	Command string
	Stdout  string
	Stderr  string

	// ExitCode is -1 when the command did not run to completion.
	ExitCode  int
	StartedAt time.Time
	Duration  time.Duration
}

// FileTransferResult is the outcome of one upload.
type FileTransferResult struct {
	BytesTransferred int64
	RemotePath       string
	StartedAt        time.Time
	Duration         time.Duration
}

// TransportError is returned by every Transport operation.
type TransportError struct {
	Op  string
	Err error

	// IsExit is set when the command ran to completion and exited with ExitCode.
	IsExit   bool
	ExitCode int

	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ExitCode returns the remote exit status carried by err, if the command
// ran to completion and failed.
func ExitCode(err error) (int, bool) {
	var te *TransportError
	if errors.As(err, &te) && te.IsExit {
		return te.ExitCode, true
	}
	return 0, false
}
