package engine

import (
	"context"
	"time"
)

// Target identifies a provisioned machine phases are lifted onto.
// Targets are created by a ComputeService and never mutated by the engine.
type Target struct {
	// ID is the unique identifier of the target.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable name of the target.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Group is the group (node class) the target belongs to.
	Group string `json:"group,omitempty" yaml:"group,omitempty"`

	// Address is the hostname or IP address used to reach the target.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// Port is the SSH port; zero means the transport default.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// OSFamily is the operating system family (e.g., "ubuntu", "centos").
	OSFamily string `json:"os_family,omitempty" yaml:"os_family,omitempty"`

	// OSVersion is the operating system version.
	OSVersion string `json:"os_version,omitempty" yaml:"os_version,omitempty"`

	// PackageManager is the package manager kind (e.g., "apt", "yum").
	PackageManager string `json:"package_manager,omitempty" yaml:"package_manager,omitempty"`

	// Labels are key-value pairs for organizing targets.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// String returns the target's name, falling back to its ID.
func (t Target) String() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// PlanFunction is the executable body of one phase for one target.
// It runs actions through the session and may fail with a domain error
// (see NewDomainError) or any other error, which is treated as a fault.
type PlanFunction func(ctx context.Context, s *Session) (any, error)

// Spec is a named collection of phases describing how to configure a class of targets.
type Spec struct {
	// Name is the spec name.
	Name string `json:"name"`

	// Phases maps phase IDs to their plan functions.
	Phases map[string]PlanFunction `json:"-"`
}

// TargetSpec pairs a target with the spec that configures it.
type TargetSpec struct {
	Target Target
	Spec   *Spec
}

// ActionKind represents the kind of remote action.
type ActionKind string

const (
	// ActionKindExec runs a single command.
	ActionKindExec ActionKind = "exec"

	// ActionKindScript uploads and runs a script.
	ActionKindScript ActionKind = "script"

	// ActionKindUpload copies a local file to the target.
	ActionKindUpload ActionKind = "upload"
)

// Action is one unit of remote work run by an Executor.
type Action struct {
	// Name identifies the action in results and logs.
	Name string `json:"name"`

	// Kind is the kind of action.
	Kind ActionKind `json:"kind"`

	// Command is the command line for exec actions.
	Command string `json:"command,omitempty"`

	// Script is the script body for script actions.
	Script string `json:"script,omitempty"`

	// Interpreter runs the script (e.g., "/bin/bash"); empty runs it directly.
	Interpreter string `json:"interpreter,omitempty"`

	// Sudo runs the action with elevated privileges.
	Sudo bool `json:"sudo,omitempty"`

	// Source is the local path for upload actions.
	Source string `json:"source,omitempty"`

	// Destination is the remote path for upload actions.
	Destination string `json:"destination,omitempty"`

	// Mode is the file mode for upload actions.
	Mode uint32 `json:"mode,omitempty"`
}

// Summary returns a short description of what the action runs.
func (a Action) Summary() string {
	switch a.Kind {
	case ActionKindScript:
		if a.Interpreter != "" {
			return a.Interpreter + " <script>"
		}
		return "<script>"
	case ActionKindUpload:
		return a.Source + " -> " + a.Destination
	default:
		return a.Command
	}
}

// ActionResult is the outcome of one action, appended in order to the session's recorder.
type ActionResult struct {
	// Action is the action name.
	Action string `json:"action"`

	// Kind is the action kind.
	Kind ActionKind `json:"kind"`

	// Command is what was invoked.
	Command string `json:"command,omitempty"`

	// Output is the standard output of the action.
	Output string `json:"output,omitempty"`

	// Stderr is the standard error of the action.
	Stderr string `json:"stderr,omitempty"`

	// ExitCode is the exit code, or -1 when the action did not run to completion.
	ExitCode int `json:"exit_code"`

	// Status is the action status.
	Status ActionStatus `json:"status"`

	// Error is the error message, if the action failed.
	Error string `json:"error,omitempty"`

	// StartedAt is when the action started.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the action took.
	Duration time.Duration `json:"duration"`
}

// PhaseResult is the outcome of running one phase on one target.
type PhaseResult struct {
	// Target is the target the phase ran on.
	Target Target `json:"target"`

	// Phase is the result ID of the Lift-Phase call that produced this result.
	Phase string `json:"phase"`

	// Result is the value returned by the plan function.
	Result any `json:"result,omitempty"`

	// ActionResults are the recorded actions, in execution order. Possibly partial.
	ActionResults []ActionResult `json:"action_results"`

	// Errors holds the domain error the run ended with, if any.
	Errors []*EngineError `json:"errors,omitempty"`

	// Fault is the unexpected error the run ended with, if any.
	Fault error `json:"-"`
}

// Failed returns true if the result carries a domain error or a fault.
func (r PhaseResult) Failed() bool {
	return len(r.Errors) > 0 || r.Fault != nil
}

// Outcome returns the outcome of the phase run.
func (r PhaseResult) Outcome() Outcome {
	switch {
	case r.Fault != nil:
		return OutcomeFault
	case len(r.Errors) > 0:
		return OutcomeDomainError
	default:
		return OutcomeOK
	}
}

// TargetPlan is a resolved, executable plan for one phase on one target.
type TargetPlan struct {
	Target   Target
	Plan     PlanFunction
	Phase    string
	ResultID string
}

// TargetPhase is one phase resolved across many targets.
type TargetPhase struct {
	// ResultID tags every PhaseResult produced for this phase.
	ResultID string

	// Plans holds one plan per target, in submission order.
	Plans []TargetPlan
}

// Targets returns the targets the phase runs on.
func (p TargetPhase) Targets() []Target {
	targets := make([]Target, len(p.Plans))
	for i, plan := range p.Plans {
		targets[i] = plan.Target
	}
	return targets
}

// NodeSpec describes the machines a ComputeService should create.
type NodeSpec struct {
	// Image is the image slug or ID.
	Image string `json:"image" yaml:"image"`

	// Size is the machine size slug.
	Size string `json:"size" yaml:"size"`

	// Region is the region slug.
	Region string `json:"region" yaml:"region"`

	// OSFamily is the expected OS family of created targets.
	OSFamily string `json:"os_family,omitempty" yaml:"os_family,omitempty"`

	// OSVersion is the expected OS version of created targets.
	OSVersion string `json:"os_version,omitempty" yaml:"os_version,omitempty"`

	// PackageManager is the package manager of created targets.
	PackageManager string `json:"package_manager,omitempty" yaml:"package_manager,omitempty"`

	// Tags are attached to created machines.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// User holds the credentials used to reach targets.
type User struct {
	// Username is the login name.
	Username string `json:"username" yaml:"username"`

	// PrivateKeyPath is the path to the private key.
	PrivateKeyPath string `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`

	// PublicKeyPath is the path to the public key installed on new machines.
	PublicKeyPath string `json:"public_key_path,omitempty" yaml:"public_key_path,omitempty"`

	// Password is used for password authentication and sudo.
	Password string `json:"-" yaml:"password,omitempty"`

	// SudoPassword overrides Password for sudo.
	SudoPassword string `json:"-" yaml:"sudo_password,omitempty"`

	// NoSudo disables privilege escalation even when actions request it.
	NoSudo bool `json:"no_sudo,omitempty" yaml:"no_sudo,omitempty"`
}

// CreateOptions are backend-independent options for node creation.
type CreateOptions struct {
	// Group is the group name for the created targets.
	Group string
}

// CreateRequest describes a Create-Targets run.
type CreateRequest struct {
	NodeSpec  NodeSpec
	User      User
	Count     int
	Group     string
	Settings  PlanFunction
	Bootstrap PlanFunction
}
