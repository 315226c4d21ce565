// Package lanequeue provides lane-based task serialization.
//
// Tasks enqueued on the same lane run in FIFO order with at most the lane's
// concurrency limit (default 1) running at once; different lanes run in
// parallel. Lanes are created lazily. Per-thread work uses SessionLane so
// every operation on one thread is serialized.
package lanequeue
