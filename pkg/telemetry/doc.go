// Package telemetry provides logging, tracing and metrics for groundwork.
//
// The package combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Library packages log through the global zerolog logger. Install the
// configured logger as the global one:
//
//	log.Logger = tel.Logger.Zerolog()
//
// Child loggers carry run, phase and target fields:
//
//	logger := tel.Logger.WithRunID(runID).WithPhase("bootstrap")
//	logger.Info("phase started")
//
// # Tracing
//
// The engine opens the spans lift.abort_on_error, lift.phase, lift.target and
// targets.create. Exporters are otlp (gRPC), stdout and none.
//
// # Metrics
//
// All recording methods accept a nil *Metrics, so callers never need to check
// whether metrics are enabled:
//
//	var m *telemetry.Metrics
//	m.RecordPhaseLifted("bootstrap", "ok", time.Second) // no-op
//
// Metrics are served by promhttp when StartMetricsServer is called.
package telemetry
