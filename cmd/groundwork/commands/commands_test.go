package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/groundwork/pkg/engine"
	"github.com/openfroyo/groundwork/pkg/stores"
)

const testSpec = `
def install(target):
    exec("apt-get install -y nginx", name = "install nginx", sudo = True)
    return target.id

def configure(target):
    if target.labels.get("broken") == "yes":
        fail("broken target", reason = "label")
    script("echo configured > /etc/motd")
`

const testConfig = `
name: "web"
spec: "web.star"
targets: [
	{id: "web-1", address: "10.0.0.1"},
	{id: "web-2", address: "10.0.0.2", labels: {broken: "%s"}},
]
user: username: "deploy"
store: path: "runs.db"
dry_run: true
`

// writeProject writes a configuration and spec into a temp dir and returns the config path.
func writeProject(t *testing.T, broken string) string {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "web.star"), []byte(testSpec), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := strings.Replace(testConfig, "%s", broken, 1)
	path := filepath.Join(dir, "groundwork.cue")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--log-level", "error"))

	err := cmd.ExecuteContext(context.Background())
	if serr := shutdownTelemetry(); serr != nil {
		t.Errorf("shutdownTelemetry() error = %v", serr)
	}
	tel = nil
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeProject(t, "no")

	out, err := execute(t, "validate", "-c", path, "--json")
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}

	var report validateReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if report.Name != "web" {
		t.Errorf("Name = %q, want web", report.Name)
	}
	if got := strings.Join(report.Phases, ","); got != "install,configure" {
		t.Errorf("Phases = %q, want install,configure", got)
	}
	if len(report.Targets) != 2 {
		t.Errorf("Targets = %v, want 2 targets", report.Targets)
	}
	if report.Create {
		t.Error("Create = true for a spec without settings and bootstrap")
	}
}

func TestValidateCommandErrors(t *testing.T) {
	dir := t.TempDir()

	missingSpec := filepath.Join(dir, "missing.cue")
	if err := os.WriteFile(missingSpec, []byte(`name: "x", spec: "nope.star", targets: [{id: "a", address: "h"}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing config", args: []string{"validate", "-c", filepath.Join(dir, "absent.cue")}},
		{name: "missing spec", args: []string{"validate", "-c", missingSpec}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLiftCommandDryRun(t *testing.T) {
	path := writeProject(t, "no")

	out, err := execute(t, "lift", "-c", path, "--json")
	if err != nil {
		t.Fatalf("lift error = %v", err)
	}

	var result runOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if result.Status != stores.RunStatusCompleted {
		t.Errorf("Status = %s, want completed", result.Status)
	}
	if result.RunID == "" {
		t.Error("RunID is empty with a store configured")
	}
	if len(result.Results) != 4 {
		t.Fatalf("got %d results, want 4", len(result.Results))
	}
	for _, r := range result.Results {
		if r.Outcome != engine.OutcomeOK {
			t.Errorf("%s/%s outcome = %s, want ok", r.Phase, r.Target, r.Outcome)
		}
		if len(r.Actions) != 1 || r.Actions[0].Status != engine.ActionStatusSkipped {
			t.Errorf("%s/%s actions = %+v, want one skipped action", r.Phase, r.Target, r.Actions)
		}
	}

	out, err = execute(t, "history", "-c", path, "--json")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	var runs []*stores.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if len(runs) != 1 || runs[0].ID != result.RunID || runs[0].Kind != stores.RunKindLift {
		t.Fatalf("history = %+v, want the lift run", runs)
	}

	out, err = execute(t, "history", "-c", path, "--run", result.RunID)
	if err != nil {
		t.Fatalf("history --run error = %v", err)
	}
	if !strings.Contains(out, "install nginx") || !strings.Contains(out, "completed") {
		t.Errorf("history --run output missing run detail:\n%s", out)
	}

	if _, err := execute(t, "history", "-c", path, "--delete", result.RunID); err != nil {
		t.Fatalf("history --delete error = %v", err)
	}
	if _, err := execute(t, "history", "-c", path, "--run", result.RunID); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("history --run after delete error = %v, want ErrNotFound", err)
	}
}

func TestLiftCommandDomainError(t *testing.T) {
	path := writeProject(t, "yes")

	out, err := execute(t, "lift", "-c", path, "--discover")

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("lift error = %v, want exit code 2", err)
	}
	if !strings.Contains(out, "broken target") {
		t.Errorf("output missing the domain error:\n%s", out)
	}
	if !strings.Contains(out, "stopped") {
		t.Errorf("output missing the run status:\n%s", out)
	}
}

func TestLiftCommandUnknownPhase(t *testing.T) {
	path := writeProject(t, "no")

	_, err := execute(t, "lift", "-c", path, "--phase", "deploy")
	if err == nil {
		t.Fatal("expected an error for an unknown phase")
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		t.Errorf("unknown phase returned exit error %v", exitErr)
	}
}

func TestCreateCommandDryRun(t *testing.T) {
	path := writeProject(t, "no")

	if _, err := execute(t, "create", "-c", path, "--count", "2", "--dry-run"); err != nil {
		t.Fatalf("create --dry-run error = %v", err)
	}
	if _, err := execute(t, "create", "-c", path, "--count", "0"); err == nil {
		t.Error("create --count 0 should fail")
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groundwork.cue")
	if err := os.WriteFile(path, []byte(`name: "x", spec: "web.star"`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "history", "-c", path); err == nil {
		t.Error("expected an error without a store")
	}
}

func TestInitCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "web")

	out, err := execute(t, "init", dir)
	if err != nil {
		t.Fatalf("init error = %v", err)
	}
	for _, name := range []string{"groundwork.cue", "site.star", "keys/id_ed25519", "keys/id_ed25519.pub", "groundwork.db"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
	if !strings.Contains(out, "created") {
		t.Errorf("output = %q", out)
	}

	out, err = execute(t, "validate", "-c", filepath.Join(dir, "groundwork.cue"), "--json")
	if err != nil {
		t.Fatalf("validate of the initialized project error = %v", err)
	}
	var report validateReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if report.Name != "web" || !report.Create {
		t.Errorf("report = %+v, want name web with create available", report)
	}

	out, err = execute(t, "init", dir)
	if err != nil {
		t.Fatalf("second init error = %v", err)
	}
	if strings.Contains(out, "created") {
		t.Errorf("second init overwrote files:\n%s", out)
	}
}
