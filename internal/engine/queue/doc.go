// Package queue provides the per-entity-type queues of mutations
// performed while disconnected.
//
// Overview
//
// Every mutable entity type owns one logical queue, backed by its own
// pending-operation collection in the engine database. A UI mutation
// made while offline is written to the entity's store (so the dashboard
// keeps rendering the new state) and enqueued here; when connectivity
// returns, the sync coordinator drains each queue against the remote
// boundary.
//
// Ordering
//
//	UI mutation (offline)
//	     ├── store.Put / store.Delete      (local truth, immediately visible)
//	     └── queue.Enqueue                 (replay record, FIFO by seq)
//	                  ↓ reconnect
//	            queue.Drain(apply)         (sequential, confirm-then-remove)
//	                  ↓
//	              remote API
//
// Replay within one entity type is strictly FIFO: a delete enqueued
// after a create for the same id must not be replayed out of order, so
// operations are applied one at a time and a failure stops the drain for
// that entity type. Across entity types no order is guaranteed.
//
// An operation leaves the queue only after the remote confirms it, so a
// crash between apply and removal replays the operation again; the
// remote contract treats replays as idempotent upserts.
package queue
