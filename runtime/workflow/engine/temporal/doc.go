// Package temporal implements the weft workflow engine adapter backed by
// Temporal (https://temporal.io). It satisfies the generic engine.Engine
// interface, allowing workflow bodies and the control plane to orchestrate
// durable instances without importing the Temporal SDK directly.
//
// # Why Temporal?
//
// The interpreter and planner run for hours or days: they await approval
// events, sleep on timers, and wait for child runs on the agent plane to
// report back. Temporal ensures instance state survives process restarts,
// network failures, and crashes by replaying the body from event history.
//
// # Constructing an Engine
//
// Use New to create an engine with Temporal client and worker options:
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{
//	        HostPort:  "temporal:7233",
//	        Namespace: "default",
//	    },
//	    WorkerOptions: temporal.WorkerOptions{
//	        TaskQueue: "weft.workflows",
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// # External Events
//
// engine.Engine's RaiseEvent maps to Temporal signals. Each event name gets
// a dedicated signal channel pumped into an ordered in-workflow queue, so
// events buffer across suspension and arrive in raise order regardless of
// whether a WaitForEvent was armed first.
//
// # Suspend and Resume
//
// Temporal has no native pause, so the adapter reserves a pair of control
// signals. A control pump toggles a suspended flag inside the workflow, and
// every Await gates on it; Describe surfaces the flag through a query and
// reports SUSPENDED instead of RUNNING.
//
// # OpenTelemetry Integration
//
// The engine installs OTEL interceptors on the Temporal client and worker,
// propagating trace context through workflow and activity boundaries. No
// additional configuration is needed beyond the default options.
package temporal
