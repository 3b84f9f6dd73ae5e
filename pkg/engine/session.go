package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Session is the per-target execution context handed to plan functions.
//
// A session used as a template is never mutated: WithUser, WithTarget and
// forTarget return copies, so concurrent executions can derive their own
// session from one shared template.
type Session struct {
	// Executor runs actions.
	Executor Executor

	// Recorder collects the results of actions run through this session.
	Recorder Recorder

	// User holds the credentials used to reach the target.
	User User

	// Target is the current target.
	Target Target

	// Phase is the phase being lifted.
	Phase string
}

// NewSession creates a session template.
func NewSession(executor Executor, recorder Recorder) *Session {
	return &Session{
		Executor: executor,
		Recorder: recorder,
	}
}

// WithUser returns a copy of the session using the given user.
func (s *Session) WithUser(user User) *Session {
	c := *s
	c.User = user
	return &c
}

// WithTarget returns a copy of the session bound to the given target.
func (s *Session) WithTarget(target Target) *Session {
	c := *s
	c.Target = target
	return &c
}

// forTarget derives the session for one concurrent execution. The derived
// session gets its own in-memory recorder; a template recorder, if any,
// receives every record as well.
func (s *Session) forTarget(target Target, phase string) *Session {
	c := *s
	c.Target = target
	c.Phase = phase

	var rec Recorder = NewMemoryRecorder()
	if s.Recorder != nil {
		rec = Compose(rec, s.Recorder)
	}
	c.Recorder = rec
	return &c
}

// Run executes an action on the current target and records its result.
func (s *Session) Run(ctx context.Context, action Action) (ActionResult, error) {
	if s.Executor == nil {
		return ActionResult{}, NewFault("session has no executor", nil).
			WithCode(ErrCodeInternal).
			WithTarget(s.Target.ID).
			WithPhase(s.Phase)
	}
	if action.Kind == "" {
		action.Kind = ActionKindExec
	}
	if action.Name == "" {
		action.Name = action.Summary()
	}

	log.Debug().
		Str("target", s.Target.ID).
		Str("phase", s.Phase).
		Str("action", action.Name).
		Str("kind", string(action.Kind)).
		Msg("running action")

	startTime := time.Now()
	result, err := s.Executor.Execute(ctx, s, action)

	if result.Action == "" {
		result.Action = action.Name
	}
	if result.Kind == "" {
		result.Kind = action.Kind
	}
	if result.Command == "" {
		result.Command = action.Summary()
	}
	if result.StartedAt.IsZero() {
		result.StartedAt = startTime
	}
	if result.Duration == 0 {
		result.Duration = time.Since(startTime)
	}
	if result.Status == "" {
		result.Status = ActionStatusOK
		if err != nil {
			result.Status = ActionStatusError
		}
	}
	if err != nil && result.Error == "" {
		result.Error = err.Error()
	}

	if s.Recorder != nil {
		s.Recorder.Record(result)
	}

	return result, err
}

// Exec runs a command on the current target.
func (s *Session) Exec(ctx context.Context, name, command string) (ActionResult, error) {
	return s.Run(ctx, Action{Name: name, Kind: ActionKindExec, Command: command})
}

// Sudo runs a command on the current target with elevated privileges.
func (s *Session) Sudo(ctx context.Context, name, command string) (ActionResult, error) {
	return s.Run(ctx, Action{Name: name, Kind: ActionKindExec, Command: command, Sudo: true})
}

// Results returns the action results recorded in this session.
func (s *Session) Results() []ActionResult {
	if s.Recorder == nil {
		return nil
	}
	return s.Recorder.Results()
}
