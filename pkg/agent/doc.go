// Package agent runs the think/act/observe loop for one agent thread.
//
// Invariants:
//   - Steps within a thread are strictly sequential and bounded by MaxSteps.
//   - Runs for the same thread are serialized through the session lane when a
//     lanequeue.Queue is configured.
//   - A failing tool call becomes an observation; it never ends the run.
//   - Every terminal state is published as an agent_status event and recorded
//     in the thread.
//
// Usage:
//
//	loop, _ := agent.New(agent.Config{Client: router, Tools: runner})
//	res, err := loop.Run(ctx, "thread-1", "add a health endpoint", agent.RunOptions{
//		Exec: toolrunner.ExecContext{Root: "/work/project", Mode: "local"},
//	})
package agent
