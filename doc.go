// Package sagaflow is a durable workflow (saga) orchestration engine.
//
// A workflow is declared once as a tree of typed steps (send a
// command, run a query, publish an event, branch, loop, run branches in
// parallel, delay, wait for a correlated external event) using the
// fluent FlowBuilder. An interpreter walks the tree against a mutable
// state object, dispatching side effects through a message transport
// and persisting resumable snapshots, so a flow survives process
// restarts and suspends cleanly while waiting for the outside world.
//
//	def := sagaflow.NewFlow("order").
//		Send("orders", newCreateOrder).
//		If(func(s sagaflow.State) bool { return s.(*OrderState).Amount > 1000 }).
//		Send("payments", newPayment).Tagged("payment").
//		EndIf().
//		WaitFor(confirmationWait).
//		Timeout(30*time.Second).ForTag("payment").
//		Build()
//
//	eng, err := sagaflow.NewInMemoryEngine(sagaflow.NewMemoryTransport(), nil)
//	...
//	err = eng.RegisterFlow(def)
//	res, err := eng.Start(ctx, "order", &OrderState{ID: "o-1", Amount: 1500})
//
// When a flow parks on a Wait step the engine returns a snapshot with
// StatusWaiting; delivering the matching event through
// Engine.HandleEvent resumes it at the recorded position. Durable
// deployments back the engine with the SQLite, Postgres or Redis store
// and run the scheduler package's runner for claim-based resumption
// across nodes.
package sagaflow
