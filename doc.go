// Package sprinter rents GPU compute for proof-of-compute windows,
// just in time.
//
// # Overview
//
// Sprinter watches a blockchain's epoch timing, rents a GPU instance from
// a marketplace shortly before each proof-of-compute (PoC) window, waits
// for the application inside to become ready, registers it with the
// network's control plane, sits out the phase, then unregisters and
// destroys the instance. The machine exists only for the minutes the
// protocol actually needs it.
//
// The system consists of four main components:
//   - Scheduler: the sequential rent/register/wait/teardown cycle runner
//   - Marketplace client: offer search, instance lifecycle, port resolution
//   - Chain monitor: PoC window prediction from on-chain block heights
//   - Inference proxy: compute-node HTTP surface forwarding to a hosted API
//
// # Cost Discipline
//
// A rented instance bills for every second it exists. Every exit path
// after a successful create converges on cleanup, unregister always runs
// strictly before destroy, and a daily spend ceiling skips cycles once
// exhausted. The cleanup command sweeps orphans left by hard crashes.
//
// # Usage
//
// Run the lifecycle scheduler:
//
//	sprinter run --config configs/config.yaml
//
// Inspect the predicted PoC window:
//
//	sprinter status
//
// Serve inference without holding a rental:
//
//	sprinter proxy
//
// Sweep orphaned instances:
//
//	sprinter cleanup
package sprinter
