// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides contention benchmarks for the lock-free toolkit.
//
// Each workload runs at every configured goroutine count and reports
// throughput in the same format:
//
//	1. Queue push/pop
//	   4 goroutines: 80000 ops in 21.3ms (3755868 ops/sec)
//
// Workloads also verify what they measure. The queue workload checks that
// every pushed value is popped exactly once, the id pool workload checks that
// no id has two owners, and the epoch workload checks that no reader sees an
// object after its reclaimer ran. Any violation is reported and makes the
// command exit non-zero.
//
// # Usage
//
//	go run ./cmd/lfbench all
//	go run ./cmd/lfbench queue -g 1,4,16 -n 50000
//	go run ./cmd/lfbench idpool --ids 8 --record results.db
//	go run ./cmd/lfbench epoch --serve --port 8080
//
// # Configuration
//
// Flags override LFBENCH_GOROUTINES, LFBENCH_OPS, LFBENCH_IDS, LFBENCH_RECORD
// and LFBENCH_PORT, which may be kept in a .env file (see --env-file).
//
// # Monitoring
//
// With --serve the command exposes:
//   - /api/metrics: Prometheus text, or JSON with ?format=json
//   - /api/collector: collector epoch and reclamation counters
//   - /api/resource: process CPU and resident memory
//   - /api/profile: a CPU profile summary (?seconds=N)
//
// # Dangers and Warnings
//
//   - **Resource Consumption**: Benchmarks keep every core busy while they run.
//   - **Variance**: Results depend on core count, scheduler and GC activity.
//   - **Recording**: --record needs a cgo-enabled build for SQLite.
package main

func main() {
	Execute()
}
