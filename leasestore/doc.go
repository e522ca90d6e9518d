// Package leasestore holds the pieces every lease store backend shares: the ownership
// rules applied on acquire, renew and release, fencing token generation, and the
// checkpoint merge cache that keeps persisted positions from regressing.
//
// Backends:
//   - memory: in-process reference store for tests and single-process deployments
//   - natskv: NATS JetStream key-value bucket, revision-checked writes
//   - sqlstore: SQLite or PostgreSQL table, version-checked writes
package leasestore
