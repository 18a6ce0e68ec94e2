// Package resolve implements a suspendable, batch-friendly field-resolution
// engine for GraphQL-shaped selection trees: a document walker whose fields
// resolve through middleware chains that may yield mid-flight, park
// themselves, and resume after deferred work completes.
//
// # Overview
//
// The engine executes any pre-parsed, pre-validated selection tree
// ([]*Selection). It does not parse documents, check types, or serialize
// responses; those belong to the surrounding layers. What it owns is the
// resolution lifecycle:
//
//   - Each field looks up its middleware chain in the Registry, falling back
//     to the property-accessor default for plain pass-through fields.
//   - Chain steps transition an immutable State: Resolve sets the value and
//     keeps the chain running, Fail stops the chain and nulls the subtree,
//     Suspend parks the field with a continuation and the not-yet-run steps.
//   - Suspended fields cost nothing while the walk continues over their
//     siblings. At the pass boundary the Collector flushes: every distinct
//     loader key executes one bulk call with the deduplicated item keys
//     registered during the pass, and async tasks are awaited.
//   - Parked fields then re-enter: continuation first, then the preserved
//     remainder of the chain. Re-entry may suspend again (async work chained
//     into a batched load), bounded by the pass ceiling.
//
// # Batching
//
// The Collector is how N sibling lookups become one query. A middleware step
// registers an item key under a LoaderKey and suspends:
//
//	return s.Suspend(s.Request().Batch().LoadValue(
//		resolve.LoaderKey{Source: "menu", Op: "categoryById"},
//		s.Parent().(map[string]any)["categoryId"],
//	))
//
// All registrations under an equal LoaderKey within one pass coalesce into a
// single BulkFunc call. Results land in a request-scoped dedupe cache, so an
// item key loaded once is never fetched again within the request. A bulk
// error fans out to every field that registered in the flushed pass.
//
// # Scheduling
//
// The walker is cooperative and single-threaded: suspension is a data
// structure state, never a blocked goroutine. Concurrency exists only at the
// flush boundary, where distinct loader keys execute in parallel and async
// task handles are awaited together. Output field order always follows
// declaration order in the selection tree, however many passes resolution
// took, and list values keep their element order.
//
// # Errors
//
// Field and batch errors null one subtree and are recorded with their paths;
// sibling fields are unaffected. Two conditions abort the whole request with
// a single top-level error and no data: exceeding the pass ceiling
// (ErrMaxPasses, a middleware authoring bug) and wiring defects such as a
// loader key with no registered bulk executor.
package resolve
