package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/groundwork/pkg/compute"
	"github.com/openfroyo/groundwork/pkg/config"
	"github.com/openfroyo/groundwork/pkg/engine"
	"github.com/openfroyo/groundwork/pkg/stores"
	"github.com/openfroyo/groundwork/pkg/telemetry"
	sshtransport "github.com/openfroyo/groundwork/pkg/transports/ssh"
)

// runEnv holds everything a lift or create run needs.
type runEnv struct {
	cfg     *config.RunConfig
	spec    *config.StarlarkSpec
	engine  *engine.Engine
	session *engine.Session
	history *stores.History
	dryRun  bool

	// ssh is nil in dry runs.
	ssh *sshtransport.ActionExecutor

	closers []func() error
}

// loadRunConfig loads the configuration named by --config.
func loadRunConfig(cmd *cobra.Command) (*config.RunConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyConfigLogging(cmd, cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// runMode selects how setupRun wires the executor.
type runMode struct {
	dryRun bool

	// acceptNewHostKeys trusts hosts on first connection; targets created
	// by the run cannot be in known_hosts yet.
	acceptNewHostKeys bool
}

// setupRun loads the configuration and spec and wires the executor, engine and history.
func setupRun(cmd *cobra.Command, mode runMode) (*runEnv, error) {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return nil, err
	}

	spec, err := config.LoadSpec(cfg.Spec)
	if err != nil {
		return nil, err
	}

	env := &runEnv{
		cfg:    cfg,
		spec:   spec,
		engine: engine.New(engine.WithTelemetry(tel)),
		dryRun: mode.dryRun || cfg.DryRun,
	}

	var executor engine.Executor
	if env.dryRun {
		executor = engine.NewDryRunExecutor()
	} else {
		opts := executorOptions(cfg.SSH)
		opts.AcceptNewHostKeys = mode.acceptNewHostKeys
		env.ssh = sshtransport.NewActionExecutor(opts)
		env.closers = append(env.closers, env.ssh.Close)
		executor = env.ssh
	}
	env.session = engine.NewSession(executor, engine.NewLogRecorder(nil)).WithUser(cfg.User.EngineUser())

	if cfg.Store.Path != "" {
		store, err := stores.Open(cmd.Context(), cfg.Store.Path)
		if err != nil {
			env.close()
			return nil, err
		}
		env.closers = append(env.closers, store.Close)
		env.history = stores.NewHistory(store)
	}

	return env, nil
}

func (e *runEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to release resource")
		}
	}
	e.closers = nil
}

// begin records the run and opens its telemetry scope.
func (e *runEnv) begin(ctx context.Context, kind stores.RunKind, metadata map[string]any) (context.Context, *stores.Run) {
	run, err := e.history.Begin(ctx, e.cfg.Name, kind, metadata)
	if err != nil {
		log.Warn().Err(err).Msg("failed to record run; continuing without history")
	}

	runID := uuid.New().String()
	if run != nil {
		runID = run.ID
	}
	if tel != nil {
		ctx = tel.WithContext(ctx)
	}
	return telemetry.WithRunContext(ctx, runID, string(kind)), run
}

// finish records the outcome of the run.
func (e *runEnv) finish(ctx context.Context, kind stores.RunKind, run *stores.Run, results []engine.PhaseResult, runErr error) {
	status := stores.RunStatusFor(results, runErr)
	duration := telemetry.EndRunContext(ctx, string(kind), string(status), runErr)

	if err := e.history.Finish(ctx, run, results, runErr); err != nil {
		log.Warn().Err(err).Msg("failed to record run results")
	}

	event := log.Info().Str("status", string(status)).Dur("duration", duration)
	if run != nil {
		event = event.Str("run_id", run.ID)
	}
	event.Msg("run finished")
}

// resolveTargets returns the configured targets: inline targets first, then
// the inventory group.
func resolveTargets(cfg *config.RunConfig) ([]engine.Target, error) {
	targets := append([]engine.Target{}, cfg.Targets...)

	if cfg.Inventory != nil {
		inv, err := compute.LoadInventory(cfg.Inventory.Path)
		if err != nil {
			return nil, err
		}
		group, err := compute.NewStatic(inv).Targets(cfg.Inventory.Group)
		if err != nil {
			return nil, err
		}
		targets = append(targets, group...)
	}

	if len(targets) == 0 {
		return nil, errors.New("no targets: set targets or inventory in the configuration")
	}

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t.ID] {
			return nil, fmt.Errorf("target %s is listed more than once", t.ID)
		}
		seen[t.ID] = true
	}
	return targets, nil
}

// discoverTargets fills in the OS family, version and package manager of
// targets that do not declare them, reading the facts from each target.
func (e *runEnv) discoverTargets(ctx context.Context, targets []engine.Target) ([]engine.Target, error) {
	if e.ssh == nil {
		log.Warn().Msg("dry run: skipping target discovery")
		return targets, nil
	}

	discovered := append([]engine.Target{}, targets...)
	user := e.cfg.User.EngineUser()

	op := telemetry.StartOperation(ctx, "targets.discover", attribute.Int("targets", len(targets)))
	g, ctx := errgroup.WithContext(op.Ctx)
	for i := range discovered {
		t := &discovered[i]
		if t.OSFamily != "" && t.OSVersion != "" && t.PackageManager != "" {
			continue
		}
		g.Go(func() error {
			facts, err := e.ssh.GatherFacts(ctx, *t, user)
			if err != nil {
				return err
			}
			if t.OSFamily == "" {
				t.OSFamily = compute.NormalizeOSFamily(facts.OSFamily)
			}
			if t.OSVersion == "" {
				t.OSVersion = facts.OSVersion
			}
			if t.PackageManager == "" {
				t.PackageManager = compute.PackageManagerFor(t.OSFamily)
			}
			log.Debug().
				Str("target", t.ID).
				Str("os_family", t.OSFamily).
				Str("os_version", t.OSVersion).
				Str("arch", facts.Arch).
				Msg("target discovered")
			return nil
		})
	}
	err := g.Wait()
	op.End(err)
	if err != nil {
		return nil, err
	}
	op.Logger.WithField("duration", op.Duration().String()).Info("targets discovered")
	return discovered, nil
}

// computeService builds the configured compute backend.
func computeService(cfg *config.RunConfig) (engine.ComputeService, error) {
	switch cfg.Compute.Provider {
	case "", "static":
		if cfg.Inventory == nil {
			return nil, errors.New("the static compute provider needs an inventory")
		}
		inv, err := compute.LoadInventory(cfg.Inventory.Path)
		if err != nil {
			return nil, err
		}
		return compute.NewStatic(inv), nil
	case "digitalocean":
		do := cfg.Compute.DigitalOcean
		return compute.NewDigitalOcean(compute.DigitalOceanConfig{
			Token:              do.Token,
			SSHKeyFingerprints: do.SSHKeyFingerprints,
			VPCUUID:            do.VPCUUID,
			PollInterval:       do.PollInterval.Std(),
			Timeout:            do.Timeout.Std(),
			KeepOnFailure:      do.KeepOnFailure,
		})
	default:
		return nil, fmt.Errorf("unknown compute provider %q", cfg.Compute.Provider)
	}
}

func executorOptions(cfg config.SSHConfig) sshtransport.ExecutorOptions {
	opts := sshtransport.DefaultExecutorOptions()
	if cfg.Port != 0 {
		opts.DefaultPort = cfg.Port
	}
	if cfg.KnownHostsPath != "" {
		opts.KnownHostsPath = cfg.KnownHostsPath
	}
	opts.StrictHostKeyChecking = cfg.StrictHostKeys()
	if cfg.ConnectionTimeout > 0 {
		opts.ConnectionTimeout = cfg.ConnectionTimeout.Std()
	}
	if cfg.CommandTimeout > 0 {
		opts.CommandTimeout = cfg.CommandTimeout.Std()
	}
	opts.KeepAliveInterval = cfg.KeepAliveInterval.Std()
	if cfg.Proxy != nil {
		opts.ProxyHost = cfg.Proxy.Host
		opts.ProxyPort = cfg.Proxy.Port
		opts.ProxyUser = cfg.Proxy.User
		opts.ProxyPrivateKeyPath = cfg.Proxy.PrivateKeyPath
	}
	return opts
}
