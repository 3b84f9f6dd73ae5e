package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/openfroyo/groundwork/pkg/engine"
)

// fakeTransport records calls and returns canned results.
type fakeTransport struct {
	mu         sync.Mutex
	config     *Config
	connected  bool
	connects   int
	connectErr error
	runErr     error
	result     ExecResult
	opts       []RunOptions
	commands   []string
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeTransport) Run(ctx context.Context, cmd string, opts RunOptions) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	f.opts = append(f.opts, opts)
	res := f.result
	res.Command = cmd
	return res, f.runErr
}

func (f *fakeTransport) RunScript(ctx context.Context, script string, interpreter string, opts RunOptions) (ExecResult, error) {
	return f.Run(ctx, interpreter+" "+script, opts)
}

func (f *fakeTransport) Upload(ctx context.Context, localPath string, remotePath string, mode uint32, opts RunOptions) (FileTransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, localPath+" -> "+remotePath)
	f.opts = append(f.opts, opts)
	return FileTransferResult{BytesTransferred: 12, RemotePath: remotePath}, f.runErr
}

func (f *fakeTransport) GetConnectionInfo() ConnectionInfo {
	return ConnectionInfo{Host: f.config.Host, Port: f.config.Port, User: f.config.User}
}

// newFakeExecutor returns an executor whose connections are fakes built from template.
func newFakeExecutor(template *fakeTransport) (*ActionExecutor, *[]*fakeTransport) {
	created := &[]*fakeTransport{}
	var mu sync.Mutex

	e := NewActionExecutor(DefaultExecutorOptions())
	e.newTransport = func(cfg *Config) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		f := &fakeTransport{
			config:     cfg,
			connectErr: template.connectErr,
			runErr:     template.runErr,
			result:     template.result,
		}
		*created = append(*created, f)
		return f, nil
	}
	return e, created
}

func testSession(e *ActionExecutor, user engine.User) *engine.Session {
	return engine.NewSession(e, nil).
		WithUser(user).
		WithTarget(engine.Target{ID: "web-1", Address: "10.0.0.10"})
}

func TestActionExecutorExec(t *testing.T) {
	e, created := newFakeExecutor(&fakeTransport{result: ExecResult{Stdout: "ok", ExitCode: 0}})
	s := testSession(e, engine.User{Username: "deploy", Password: "pw"})

	res, err := e.Execute(context.Background(), s, engine.Action{Name: "hello", Kind: engine.ActionKindExec, Command: "echo ok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != engine.ActionStatusOK {
		t.Errorf("expected status ok, got %s", res.Status)
	}
	if res.Output != "ok" || res.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Action != "hello" || res.Command != "echo ok" {
		t.Errorf("unexpected action fields: %+v", res)
	}

	if len(*created) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(*created))
	}
	cfg := (*created)[0].config
	if cfg.Address() != "10.0.0.10:22" {
		t.Errorf("expected address 10.0.0.10:22, got %s", cfg.Address())
	}
	if cfg.AuthMethod != AuthMethodPassword || cfg.Password != "pw" {
		t.Errorf("expected password auth, got %s", cfg.AuthMethod)
	}
}

func TestActionExecutorReusesConnections(t *testing.T) {
	e, created := newFakeExecutor(&fakeTransport{})

	alice := testSession(e, engine.User{Username: "alice", Password: "pw"})
	bob := testSession(e, engine.User{Username: "bob", Password: "pw"})
	other := alice.WithTarget(engine.Target{ID: "db-1", Address: "10.0.0.20", Port: 2222})

	for _, s := range []*engine.Session{alice, alice, bob, other, other} {
		if _, err := e.Execute(context.Background(), s, engine.Action{Name: "x", Command: "true"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(*created) != 3 {
		t.Fatalf("expected 3 connections, got %d", len(*created))
	}
	for _, f := range *created {
		if f.connects != 1 {
			t.Errorf("%s connected %d times", f.config.Address(), f.connects)
		}
	}
	if got := (*created)[2].config.Address(); got != "10.0.0.20:2222" {
		t.Errorf("expected explicit port, got %s", got)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	for _, f := range *created {
		if f.IsConnected() {
			t.Errorf("%s still connected after Close", f.config.Address())
		}
	}
}

func TestActionExecutorSudoOptions(t *testing.T) {
	tests := []struct {
		name     string
		user     engine.User
		sudo     bool
		wantSudo bool
		wantPass string
	}{
		{name: "no sudo requested", user: engine.User{Username: "u", Password: "pw"}, sudo: false},
		{name: "sudo with login password", user: engine.User{Username: "u", Password: "pw"}, sudo: true, wantSudo: true, wantPass: "pw"},
		{name: "sudo password overrides", user: engine.User{Username: "u", Password: "pw", SudoPassword: "root"}, sudo: true, wantSudo: true, wantPass: "root"},
		{name: "sudo disabled for user", user: engine.User{Username: "u", Password: "pw", NoSudo: true}, sudo: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, created := newFakeExecutor(&fakeTransport{})
			s := testSession(e, tt.user)

			if _, err := e.Execute(context.Background(), s, engine.Action{Name: "x", Command: "id", Sudo: tt.sudo}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			opts := (*created)[0].opts[0]
			if opts.Sudo != tt.wantSudo {
				t.Errorf("expected sudo %v, got %v", tt.wantSudo, opts.Sudo)
			}
			if opts.SudoPassword != tt.wantPass {
				t.Errorf("expected sudo password %q, got %q", tt.wantPass, opts.SudoPassword)
			}
		})
	}
}

func TestActionExecutorClassification(t *testing.T) {
	exitErr := &TransportError{Op: "execute", Err: errors.New("command exited with code 2"), ExitCode: 2, IsExit: true}
	connErr := &TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}

	tests := []struct {
		name       string
		transport  *fakeTransport
		action     engine.Action
		wantStatus engine.ActionStatus
		wantDomain bool
		wantCode   string
	}{
		{
			name:       "non-zero exit is a domain error",
			transport:  &fakeTransport{runErr: exitErr, result: ExecResult{Stderr: "E: no such package", ExitCode: 2}},
			action:     engine.Action{Name: "install", Kind: engine.ActionKindExec, Command: "apt-get install nope"},
			wantStatus: engine.ActionStatusFailed,
			wantDomain: true,
			wantCode:   engine.ErrCodeActionFailed,
		},
		{
			name:       "connection failure is a fault",
			transport:  &fakeTransport{connectErr: connErr},
			action:     engine.Action{Name: "install", Kind: engine.ActionKindExec, Command: "true"},
			wantStatus: engine.ActionStatusError,
			wantCode:   engine.ErrCodeTransport,
		},
		{
			name:       "session failure is a fault",
			transport:  &fakeTransport{runErr: &TransportError{Op: "execute", Err: errors.New("channel closed")}},
			action:     engine.Action{Name: "install", Kind: engine.ActionKindScript, Script: "true"},
			wantStatus: engine.ActionStatusError,
			wantCode:   engine.ErrCodeTransport,
		},
		{
			name: "wrapped engine error keeps its code",
			transport: &fakeTransport{runErr: fmt.Errorf("remote: %w",
				engine.NewFault("runner lost", nil).WithCode(engine.ErrCodeProvisioning))},
			action:     engine.Action{Name: "install", Kind: engine.ActionKindExec, Command: "true"},
			wantStatus: engine.ActionStatusError,
			wantCode:   engine.ErrCodeProvisioning,
		},
		{
			name:       "unknown action kind is a fault",
			transport:  &fakeTransport{},
			action:     engine.Action{Name: "reboot", Kind: "reboot"},
			wantStatus: engine.ActionStatusError,
			wantCode:   engine.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newFakeExecutor(tt.transport)
			s := testSession(e, engine.User{Username: "deploy", Password: "pw"})
			s.Phase = "install"

			res, err := e.Execute(context.Background(), s, tt.action)
			if err == nil {
				t.Fatal("expected error")
			}
			if res.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, res.Status)
			}
			if engine.IsDomainError(err) != tt.wantDomain {
				t.Errorf("expected domain=%v, got %v", tt.wantDomain, err)
			}
			if tt.wantDomain == engine.IsFault(err) {
				t.Errorf("expected fault=%v, got %v", !tt.wantDomain, err)
			}

			var ee *engine.EngineError
			if !errors.As(err, &ee) {
				t.Fatalf("expected *engine.EngineError, got %T", err)
			}
			if ee.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, ee.Code)
			}
			if res.Error == "" {
				t.Error("expected error message on result")
			}
		})
	}
}

func TestActionExecutorDomainErrorDetails(t *testing.T) {
	exitErr := &TransportError{Op: "execute", Err: errors.New("command exited with code 100"), ExitCode: 100, IsExit: true}
	e, _ := newFakeExecutor(&fakeTransport{runErr: exitErr, result: ExecResult{Stderr: "E: locked", ExitCode: 100}})
	s := testSession(e, engine.User{Username: "deploy", Password: "pw"})
	s.Phase = "packages"

	res, err := e.Execute(context.Background(), s, engine.Action{Name: "apt", Command: "apt-get update"})
	de, ok := engine.AsDomainError(err)
	if !ok {
		t.Fatalf("expected domain error, got %v", err)
	}
	if de.Details["exit_code"] != 100 {
		t.Errorf("expected exit_code 100, got %v", de.Details["exit_code"])
	}
	if de.Details["stderr"] != "E: locked" {
		t.Errorf("expected stderr detail, got %v", de.Details["stderr"])
	}
	if de.Target != "web-1" || de.Phase != "packages" {
		t.Errorf("expected target/phase on error, got %s/%s", de.Target, de.Phase)
	}
	if res.ExitCode != 100 {
		t.Errorf("expected exit code 100 on result, got %d", res.ExitCode)
	}
}

func TestActionExecutorInvalidTarget(t *testing.T) {
	e, created := newFakeExecutor(&fakeTransport{})

	tests := []struct {
		name   string
		target engine.Target
		user   engine.User
	}{
		{name: "no address", target: engine.Target{ID: "x"}, user: engine.User{Username: "u"}},
		{name: "no user", target: engine.Target{ID: "x", Address: "10.0.0.1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := engine.NewSession(e, nil).WithUser(tt.user).WithTarget(tt.target)
			_, err := e.Execute(context.Background(), s, engine.Action{Name: "x", Command: "true"})
			if !engine.IsFault(err) {
				t.Errorf("expected fault, got %v", err)
			}
		})
	}
	if len(*created) != 0 {
		t.Errorf("expected no connections, got %d", len(*created))
	}
}

// TestActionExecutorOverSSH runs actions through a session against the in-process server.
func TestActionExecutorOverSSH(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	opts := DefaultExecutorOptions()
	opts.StrictHostKeyChecking = false
	e := NewActionExecutor(opts)
	defer e.Close()

	rec := engine.NewMemoryRecorder()
	s := engine.NewSession(e, rec).
		WithUser(engine.User{Username: "testuser", Password: "testpass"}).
		WithTarget(engine.Target{ID: "node-1", Address: host, Port: port})

	ctx := context.Background()

	res, err := s.Exec(ctx, "greet", "echo test")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if res.Output != "test" {
		t.Errorf("expected output 'test', got %q", res.Output)
	}

	_, err = s.Exec(ctx, "fail", "exit 2")
	if !engine.IsDomainError(err) {
		t.Fatalf("expected domain error, got %v", err)
	}

	local := filepath.Join(t.TempDir(), "motd")
	if err := os.WriteFile(local, []byte("welcome\n"), 0600); err != nil {
		t.Fatalf("failed to write local file: %v", err)
	}
	remote := filepath.Join(t.TempDir(), "motd")
	if _, err := s.Run(ctx, engine.Action{Name: "motd", Kind: engine.ActionKindUpload, Source: local, Destination: remote, Mode: 0644}); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if got, err := os.ReadFile(remote); err != nil || string(got) != "welcome\n" {
		t.Errorf("unexpected uploaded content %q (%v)", got, err)
	}

	results := rec.Results()
	if len(results) != 3 {
		t.Fatalf("expected 3 recorded results, got %d", len(results))
	}
	want := []engine.ActionStatus{engine.ActionStatusOK, engine.ActionStatusFailed, engine.ActionStatusOK}
	for i, r := range results {
		if r.Status != want[i] {
			t.Errorf("result %d: expected %s, got %s", i, want[i], r.Status)
		}
	}
	if results[1].ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", results[1].ExitCode)
	}
}

func TestActionExecutorFallsBackToAgent(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "/tmp/agent.sock")
	e, created := newFakeExecutor(&fakeTransport{})
	s := testSession(e, engine.User{Username: "deploy"})

	if _, err := e.Execute(context.Background(), s, engine.Action{Name: "noop", Kind: engine.ActionKindExec, Command: "true"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*created) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(*created))
	}
	if got := (*created)[0].config.AuthMethod; got != AuthMethodAgent {
		t.Errorf("expected agent auth, got %s", got)
	}
}

func TestActionExecutorAcceptNewHostKeys(t *testing.T) {
	e, created := newFakeExecutor(&fakeTransport{})
	e.options.StrictHostKeyChecking = true
	e.options.KnownHostsPath = "/tmp/known_hosts"
	e.options.AcceptNewHostKeys = true
	s := testSession(e, engine.User{Username: "deploy", Password: "pw"})

	if _, err := e.Execute(context.Background(), s, engine.Action{Name: "noop", Kind: engine.ActionKindExec, Command: "true"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := (*created)[0].config
	if !cfg.AcceptNewHostKeys || !cfg.StrictHostKeyChecking || cfg.KnownHostsPath != "/tmp/known_hosts" {
		t.Errorf("host key options not applied: %+v", cfg)
	}
}

func TestActionExecutorPoolsByCredentials(t *testing.T) {
	e, created := newFakeExecutor(&fakeTransport{})

	users := []engine.User{
		{Username: "deploy", PrivateKeyPath: "/keys/a"},
		{Username: "deploy", PrivateKeyPath: "/keys/b"},
		{Username: "deploy", Password: "one"},
		{Username: "deploy", Password: "two"},
		{Username: "deploy", PrivateKeyPath: "/keys/a"},
		{Username: "deploy", Password: "one"},
	}
	for _, u := range users {
		if _, err := e.Execute(context.Background(), testSession(e, u), engine.Action{Name: "x", Command: "true"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(*created) != 4 {
		t.Fatalf("expected 4 connections, got %d", len(*created))
	}
	want := []string{"/keys/a", "/keys/b", "", ""}
	for i, f := range *created {
		if f.config.PrivateKeyPath != want[i] {
			t.Errorf("connection %d: key %q, want %q", i, f.config.PrivateKeyPath, want[i])
		}
	}
}
