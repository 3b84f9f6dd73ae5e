package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/groundwork/pkg/engine"
)

// Thread-local keys set while a phase function runs.
const (
	localContext = "groundwork.context"
	localSession = "groundwork.session"
	localError   = "groundwork.error"
)

// ErrCodeStarlark marks faults raised by the Starlark runtime.
const ErrCodeStarlark = "STARLARK_ERROR"

// StarlarkSpec is a spec whose phases are Starlark functions.
type StarlarkSpec struct {
	// Spec holds the phases as plan functions.
	Spec *engine.Spec

	// Phases lists the phase IDs in declaration order.
	Phases []string

	// Path is the file the spec was loaded from.
	Path string
}

// LoadSpec loads a Starlark spec file.
func LoadSpec(path string) (*StarlarkSpec, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec: %w", err)
	}
	spec, err := ParseSpec(path, src)
	if err != nil {
		return nil, err
	}
	spec.Path = path
	return spec, nil
}

// ParseSpec evaluates Starlark source and collects its phases.
//
// Every public top-level function taking exactly one parameter is a phase.
// The phase ID is the function name with underscores replaced by dashes.
// Relative upload sources are resolved against the directory of filename.
// A string global named "name" overrides the spec name, which otherwise
// defaults to the file name without its extension.
func ParseSpec(filename string, src []byte) (*StarlarkSpec, error) {
	thread := &starlark.Thread{
		Name:  filename,
		Print: printToLog,
	}

	baseDir := filepath.Dir(filename)
	globals, err := starlark.ExecFile(thread, filename, src, builtins(baseDir))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate spec %s: %w", filename, err)
	}
	globals.Freeze()

	spec := &engine.Spec{
		Name:   strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)),
		Phases: make(map[string]engine.PlanFunction),
	}
	if name, ok := globals["name"].(starlark.String); ok && name != "" {
		spec.Name = string(name)
	}

	var fns []*starlark.Function
	for name, v := range globals {
		fn, ok := v.(*starlark.Function)
		if !ok || strings.HasPrefix(name, "_") {
			continue
		}
		if fn.NumParams() != 1 {
			log.Debug().Str("function", name).Int("params", fn.NumParams()).Msg("skipping non-phase function")
			continue
		}
		fns = append(fns, fn)
	}
	sort.Slice(fns, func(i, j int) bool {
		return fns[i].Position().Line < fns[j].Position().Line
	})

	phases := make([]string, 0, len(fns))
	for _, fn := range fns {
		id := PhaseID(fn.Name())
		spec.Phases[id] = phaseFunction(fn)
		phases = append(phases, id)
	}

	log.Debug().Str("spec", spec.Name).Strs("phases", phases).Msg("spec parsed")

	return &StarlarkSpec{Spec: spec, Phases: phases, Path: filename}, nil
}

// PhaseID returns the phase ID for a Starlark function name.
func PhaseID(function string) string {
	return strings.ReplaceAll(function, "_", "-")
}

// phaseFunction adapts a Starlark function to an engine.PlanFunction.
// Each call runs on its own thread, cancelled with ctx.
func phaseFunction(fn *starlark.Function) engine.PlanFunction {
	return func(ctx context.Context, s *engine.Session) (any, error) {
		thread := &starlark.Thread{
			Name:  fmt.Sprintf("%s/%s", fn.Name(), s.Target.ID),
			Print: printToLog,
		}
		thread.SetLocal(localContext, ctx)
		thread.SetLocal(localSession, s)

		stop := context.AfterFunc(ctx, func() {
			thread.Cancel(ctx.Err().Error())
		})
		defer stop()

		target, err := targetValue(s.Target)
		if err != nil {
			return nil, err
		}

		ret, err := starlark.Call(thread, fn, starlark.Tuple{target}, nil)
		if err != nil {
			if raised, ok := thread.Local(localError).(error); ok {
				return nil, raised
			}
			if de, ok := engine.AsDomainError(err); ok {
				return nil, de
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, engine.NewFault("phase function failed", err).WithCode(ErrCodeStarlark)
		}

		value, err := fromStarlarkValue(ret)
		if err != nil {
			return nil, engine.NewFault("phase function returned an unsupported value", err).WithCode(ErrCodeStarlark)
		}
		return value, nil
	}
}

func builtins(baseDir string) starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"exec":   starlark.NewBuiltin("exec", builtinExec),
		"script": starlark.NewBuiltin("script", builtinScript),
		"upload": starlark.NewBuiltin("upload", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return builtinUpload(thread, b, args, kwargs, baseDir)
		}),
		"fail": starlark.NewBuiltin("fail", builtinFail),
	}
}

func builtinExec(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command, name string
	sudo, check := false, true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"cmd", &command, "name?", &name, "sudo?", &sudo, "check?", &check); err != nil {
		return nil, err
	}
	return runAction(thread, b, engine.Action{
		Name:    name,
		Kind:    engine.ActionKindExec,
		Command: command,
		Sudo:    sudo,
	}, check)
}

func builtinScript(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var body, interpreter, name string
	sudo, check := false, true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"body", &body, "interpreter?", &interpreter, "sudo?", &sudo, "name?", &name, "check?", &check); err != nil {
		return nil, err
	}
	return runAction(thread, b, engine.Action{
		Name:        name,
		Kind:        engine.ActionKindScript,
		Script:      body,
		Interpreter: interpreter,
		Sudo:        sudo,
	}, check)
}

func builtinUpload(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, baseDir string) (starlark.Value, error) {
	var src, dest, name string
	mode := 0o644
	sudo := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"src", &src, "dest", &dest, "mode?", &mode, "sudo?", &sudo, "name?", &name); err != nil {
		return nil, err
	}
	if mode < 0 || mode > 0o7777 {
		return nil, fmt.Errorf("%s: invalid mode %o", b.Name(), mode)
	}
	if !filepath.IsAbs(src) {
		src = filepath.Join(baseDir, src)
	}
	return runAction(thread, b, engine.Action{
		Name:        name,
		Kind:        engine.ActionKindUpload,
		Source:      src,
		Destination: dest,
		Mode:        uint32(mode),
		Sudo:        sudo,
	}, true)
}

func builtinFail(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &msg); err != nil {
		return nil, err
	}

	details := make(map[string]interface{}, len(kwargs))
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		value, err := fromStarlarkValue(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: detail %s: %w", b.Name(), key, err)
		}
		details[key] = value
	}

	err := engine.NewDomainError(msg, details)
	thread.SetLocal(localError, err)
	return nil, err
}

// runAction runs an action through the phase's session. Faults always abort
// the phase function; domain errors abort it only when check is set.
func runAction(thread *starlark.Thread, b *starlark.Builtin, action engine.Action, check bool) (starlark.Value, error) {
	s, ok := thread.Local(localSession).(*engine.Session)
	if !ok {
		return nil, fmt.Errorf("%s: only available inside a phase function", b.Name())
	}
	ctx, ok := thread.Local(localContext).(context.Context)
	if !ok {
		ctx = context.Background()
	}

	result, err := s.Run(ctx, action)
	if err != nil {
		var ee *engine.EngineError
		domain := errors.As(err, &ee) && ee.Class == engine.ErrorClassDomain
		if !domain || check {
			thread.SetLocal(localError, err)
			return nil, err
		}
	}
	return actionValue(result), nil
}

func actionValue(r engine.ActionResult) starlark.Value {
	return starlarkstruct.FromStringDict(starlark.String("action_result"), starlark.StringDict{
		"stdout":    starlark.String(r.Output),
		"stderr":    starlark.String(r.Stderr),
		"exit_code": starlark.MakeInt(r.ExitCode),
		"status":    starlark.String(string(r.Status)),
		"ok":        starlark.Bool(r.Status == engine.ActionStatusOK || r.Status == engine.ActionStatusSkipped),
	})
}

func targetValue(t engine.Target) (starlark.Value, error) {
	labels, err := toStarlarkValue(t.Labels)
	if err != nil {
		return nil, err
	}
	return starlarkstruct.FromStringDict(starlark.String("target"), starlark.StringDict{
		"id":              starlark.String(t.ID),
		"name":            starlark.String(t.String()),
		"group":           starlark.String(t.Group),
		"address":         starlark.String(t.Address),
		"os_family":       starlark.String(t.OSFamily),
		"os_version":      starlark.String(t.OSVersion),
		"package_manager": starlark.String(t.PackageManager),
		"labels":          labels,
	}), nil
}

func printToLog(thread *starlark.Thread, msg string) {
	log.Debug().Str("thread", thread.Name).Msg(msg)
}
