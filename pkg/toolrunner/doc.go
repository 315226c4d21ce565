// Package toolrunner executes model-requested tool calls inside a project
// root.
//
// Invariants:
//   - Every path argument resolves inside the sandbox root or the call fails
//     with ErrSecurityViolation.
//   - Shell commands run only when every sub-command is allow-listed or a
//     human approved it.
//   - High and critical audit findings block the call and are recorded as an
//     issue in the shared memory log.
//   - Writes to the memory log and the task manifest hold the file lock.
//
// Usage:
//
//	runner, _ := toolrunner.New(toolrunner.Config{Store: store, Locker: locker})
//	res, err := runner.Execute(ctx, call, toolrunner.ExecContext{Root: "/repo", Mode: "local"})
package toolrunner
