// Package telemetry wires structured logging (zerolog), tracing
// (OpenTelemetry) and Prometheus metrics for glueflow.
//
// A Telemetry value is built once per CLI invocation and attached to the
// context:
//
//	cfg := telemetry.DefaultConfig()
//	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
//	    return err
//	}
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// AWS calls go through RecordAWSCall, which opens a span and counts the call
// and its error code:
//
//	err := telemetry.RecordAWSCall(ctx, "cloudformation", "CreateStack", func(ctx context.Context) error {
//	    _, err := client.CreateStack(ctx, input)
//	    return err
//	})
//
// EventPublisher adapts engine events to logs and metrics and forwards them
// to the deployment store. The metrics endpoint is only served by the
// long-running schedule trigger.
package telemetry
