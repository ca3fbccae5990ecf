// Package pool provides the coordination core for a decentralized
// compute-job marketplace built on a signed-event pub/sub network.
// Customers publish job requests as signed events; independent worker
// nodes discover, accept, execute, and report on jobs; payment
// negotiation is interleaved with job progress. There is no central
// broker: coordination emerges from replaying a partially ordered,
// at-least-once event stream.
//
// Pool is designed as a library, not a service. Import it, provide a
// relay bus and a secret key, and drive jobs through the registry:
//
//	n, err := node.New(
//	    node.WithSecretKey(sk),
//	    node.WithBus(bus),
//	)
//
// # Architecture
//
// The job aggregate (package job) is pure state: a reducer over one
// job's event history, idempotent per event id and safe under arbitrary
// delivery order. The registry (package registry) owns all live
// aggregates, ingests events from the bus, and exposes the job
// lifecycle operations. Discovery (package discovery) tracks
// peer-advertised capability catalogs. Everything else is plumbing
// around that core.
//
// A node's own actions only become authoritative state once the emitted
// event is re-ingested through the same merge path used for remote
// events, so there is a single code path for all state changes.
package pool
