package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/groundwork/pkg/engine"
	"github.com/openfroyo/groundwork/pkg/telemetry"
)

// ExecutorOptions holds connection settings shared by every target.
type ExecutorOptions struct {
	// DefaultPort is used for targets without a port.
	DefaultPort int

	// KnownHostsPath is the known_hosts file used with StrictHostKeyChecking.
	KnownHostsPath string

	// StrictHostKeyChecking rejects unknown host keys.
	StrictHostKeyChecking bool

	// AcceptNewHostKeys records keys of hosts not yet in KnownHostsPath, for
	// targets created by the current run.
	AcceptNewHostKeys bool

	// ConnectionTimeout is the timeout for establishing a connection.
	ConnectionTimeout time.Duration

	// CommandTimeout bounds each action.
	CommandTimeout time.Duration

	// KeepAliveInterval enables keep-alive messages when positive.
	KeepAliveInterval time.Duration

	// ProxyHost, ProxyPort, ProxyUser and ProxyPrivateKeyPath configure an optional jump host.
	ProxyHost           string
	ProxyPort           int
	ProxyUser           string
	ProxyPrivateKeyPath string
}

// DefaultExecutorOptions returns options matching DefaultConfig.
func DefaultExecutorOptions() ExecutorOptions {
	cfg := DefaultConfig("", "")
	return ExecutorOptions{
		DefaultPort:           cfg.Port,
		KnownHostsPath:        cfg.KnownHostsPath,
		StrictHostKeyChecking: cfg.StrictHostKeyChecking,
		ConnectionTimeout:     cfg.ConnectionTimeout,
		CommandTimeout:        cfg.CommandTimeout,
		ProxyPort:             cfg.ProxyPort,
	}
}

// ActionExecutor runs engine actions over SSH.
// It keeps one connection per user, credentials and target address and is
// safe for concurrent use by many sessions.
type ActionExecutor struct {
	options ExecutorOptions

	mu      sync.Mutex
	clients map[string]Transport

	// newTransport creates the transport for a config; replaced in tests.
	newTransport func(*Config) (Transport, error)
}

// NewActionExecutor creates an executor with the given options.
func NewActionExecutor(options ExecutorOptions) *ActionExecutor {
	return &ActionExecutor{
		options: options,
		clients: make(map[string]Transport),
		newTransport: func(cfg *Config) (Transport, error) {
			return NewSSHClient(cfg)
		},
	}
}

// Execute runs one action on the session's target.
//
// A command that runs and exits non-zero is a domain error carrying the exit
// code and stderr. Connection, authentication and session failures are faults.
func (e *ActionExecutor) Execute(ctx context.Context, s *engine.Session, action engine.Action) (result engine.ActionResult, err error) {
	ctx, span := telemetry.TracerFrom(ctx).StartActionSpan(ctx, s.Target.ID, action.Name, string(action.Kind))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	result = engine.ActionResult{
		Action:    action.Name,
		Kind:      action.Kind,
		Command:   action.Summary(),
		ExitCode:  -1,
		StartedAt: time.Now(),
	}

	transport, err := e.transportFor(ctx, s.Target, s.User)
	if err != nil {
		return e.fail(result, s, action, err)
	}

	opts := RunOptions{Sudo: action.Sudo && !s.User.NoSudo}
	if opts.Sudo {
		opts.SudoPassword = s.User.SudoPassword
		if opts.SudoPassword == "" {
			opts.SudoPassword = s.User.Password
		}
	}

	switch action.Kind {
	case engine.ActionKindExec, "":
		var res ExecResult
		res, err = transport.Run(ctx, action.Command, opts)
		result.Output, result.Stderr, result.ExitCode = res.Stdout, res.Stderr, res.ExitCode
	case engine.ActionKindScript:
		var res ExecResult
		res, err = transport.RunScript(ctx, action.Script, action.Interpreter, opts)
		result.Output, result.Stderr, result.ExitCode = res.Stdout, res.Stderr, res.ExitCode
	case engine.ActionKindUpload:
		var res FileTransferResult
		res, err = transport.Upload(ctx, action.Source, action.Destination, action.Mode, opts)
		if err == nil {
			result.ExitCode = 0
			result.Output = strconv.FormatInt(res.BytesTransferred, 10) + " bytes"
		}
	default:
		err = engine.NewFault(fmt.Sprintf("unsupported action kind: %s", action.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}

	result.Duration = time.Since(result.StartedAt)
	if err != nil {
		return e.fail(result, s, action, err)
	}

	result.Status = engine.ActionStatusOK
	return result, nil
}

// fail classifies err and fills in the failed result.
func (e *ActionExecutor) fail(result engine.ActionResult, s *engine.Session, action engine.Action, err error) (engine.ActionResult, error) {
	result.Error = err.Error()
	if result.Duration == 0 {
		result.Duration = time.Since(result.StartedAt)
	}

	if code, ok := ExitCode(err); ok {
		result.Status = engine.ActionStatusFailed
		result.ExitCode = code
		return result, engine.NewDomainError(
			fmt.Sprintf("action %q exited with status %d", action.Name, code),
			map[string]interface{}{
				"action":    action.Name,
				"command":   result.Command,
				"exit_code": code,
				"stderr":    result.Stderr,
			}).
			WithCode(engine.ErrCodeActionFailed).
			WithTarget(s.Target.ID).
			WithPhase(s.Phase)
	}

	result.Status = engine.ActionStatusError
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return result, err
	}
	return result, engine.NewFault(fmt.Sprintf("action %q failed", action.Name), err).
		WithCode(engine.ErrCodeTransport).
		WithTarget(s.Target.ID).
		WithPhase(s.Phase)
}

// transportFor returns a connected transport for the target, creating it on first use.
func (e *ActionExecutor) transportFor(ctx context.Context, target engine.Target, user engine.User) (Transport, error) {
	cfg, err := e.configFor(target, user)
	if err != nil {
		return nil, err
	}
	key := poolKey(cfg)

	e.mu.Lock()
	transport, ok := e.clients[key]
	if !ok {
		transport, err = e.newTransport(cfg)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.clients[key] = transport
	}
	e.mu.Unlock()

	if !transport.IsConnected() {
		if err := transport.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return transport, nil
}

// configFor builds the SSH configuration for a target and user.
func (e *ActionExecutor) configFor(target engine.Target, user engine.User) (*Config, error) {
	if target.Address == "" {
		return nil, fmt.Errorf("target %s has no address", target.ID)
	}
	if user.Username == "" {
		return nil, fmt.Errorf("no user configured for target %s", target.ID)
	}

	cfg := DefaultConfig(target.Address, user.Username)
	cfg.Port = target.Port
	if cfg.Port == 0 {
		cfg.Port = e.options.DefaultPort
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	switch {
	case user.PrivateKeyPath != "":
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKeyPath = user.PrivateKeyPath
	case user.Password != "":
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = user.Password
	case os.Getenv("SSH_AUTH_SOCK") != "":
		cfg.AuthMethod = AuthMethodAgent
	}

	cfg.KnownHostsPath = e.options.KnownHostsPath
	cfg.StrictHostKeyChecking = e.options.StrictHostKeyChecking
	cfg.AcceptNewHostKeys = e.options.AcceptNewHostKeys
	if e.options.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = e.options.ConnectionTimeout
	}
	if e.options.CommandTimeout > 0 {
		cfg.CommandTimeout = e.options.CommandTimeout
	}
	cfg.KeepAliveInterval = e.options.KeepAliveInterval

	if e.options.ProxyHost != "" {
		cfg.ProxyHost = e.options.ProxyHost
		cfg.ProxyPort = e.options.ProxyPort
		cfg.ProxyUser = e.options.ProxyUser
		cfg.ProxyAuthMethod = AuthMethodKey
		cfg.ProxyPrivateKeyPath = e.options.ProxyPrivateKeyPath
	}

	return cfg, nil
}

// poolKey identifies a pooled connection by user, address and credentials,
// so users sharing a name but not a key or password never share a connection.
func poolKey(cfg *Config) string {
	credential := cfg.PrivateKeyPath
	if cfg.AuthMethod == AuthMethodPassword {
		sum := sha256.Sum256([]byte(cfg.Password))
		credential = hex.EncodeToString(sum[:8])
	}
	return fmt.Sprintf("%s@%s/%s:%s", cfg.User, cfg.Address(), cfg.AuthMethod, credential)
}

// Close disconnects every pooled connection.
func (e *ActionExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for key, t := range e.clients {
		if err := t.Disconnect(); err != nil {
			log.Warn().Err(err).Str("connection", key).Msg("failed to close connection")
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(e.clients, key)
	}
	return firstErr
}
