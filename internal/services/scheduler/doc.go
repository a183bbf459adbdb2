// Package scheduler runs the trigger loop and the job execution pool.
//
// One control goroutine ticks the schedule registry; due jobs are handed
// to a bounded worker pool. Admission (maxrunning, cluster counting,
// distributed leases) happens in the workers so the tick loop never
// blocks on the network.
package scheduler
