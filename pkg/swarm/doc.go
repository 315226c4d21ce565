// Package swarm supervises parallel coding-agent workers.
//
// A Supervisor launches one worker per task ID. Spawns for the same task are
// serialized in the lane "spawn:<taskId>" of a lanequeue.Queue, and a task
// whose worker is starting or running is never launched twice; the second
// request gets the existing record back with Duplicate set. Launches are
// staggered by StaggerStep for every worker already active.
//
// Each worker gets its own workspace (a directory copy or a git worktree),
// claims its task in the project's TASKS.md, and runs an agent loop tagged
// with the swarm ID. A worker that errors or panics is marked failed without
// affecting its siblings.
//
// Every swarm has a Tracker counting terminal workers. When completed plus
// failed reaches the expected total, a single Report is published as a
// swarm_complete event and the tracker is dropped.
//
//	sup, err := swarm.New(swarm.Config{Runner: loop, Queue: queue})
//	res, err := sup.Spawn(ctx, swarm.SpawnRequest{
//		SwarmID:      "swarm-1",
//		TaskID:       "API-01",
//		Instructions: "Implement the /health endpoint",
//		ProjectPath:  "/work/app",
//		Total:        3,
//	})
package swarm
