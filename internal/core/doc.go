// Package core is the fiscal bulk import engine.
//
// It owns the import job lifecycle and everything that happens between a
// ledger file on disk and consolidated rows in the business tables. It is
// independent of transport: the HTTP API, the operator CLI and tests all
// drive the same [Service].
//
// # Lifecycle
//
//	pending → processing ⇄ paused
//	processing → generating → refreshing_views → completed
//	processing, generating → failed → processing (resume)
//	paused, failed → pending (resume without local workers)
//	pending, processing, paused, failed → cancelled
//
// [CanTransition] holds the table; every store update is a compare-and-set
// on the current status, which also serves as the worker lease.
//
// # Ingestion
//
// A processing job is advanced one chunk at a time by [Service.Step]. Each
// chunk is read from the checkpoint offset, tokenized, and fed through the
// hierarchical parser. Only lines up to the last point where no document is
// open are kept; their raw records, the new checkpoint, progress and counts
// are committed in one store call. Pause and cancel requests are honoured
// between chunks, so a resumed job continues exactly where it stopped.
//
// # Consolidation
//
// Once the file is exhausted, the [Consolidator] replays the captured raw
// records through a fresh parser, aggregates them by branch, period,
// direction and classification, projects reform taxes, and upserts the
// results. Re-running it replaces values rather than adding to them.
//
// # Error Handling
//
// Failures while a job runs become job state (status failed, error message).
// Fatal failures (file unreadable, no fiscal period) clear the checkpoint and
// cannot be resumed. [MapError] maps technical errors to coded user messages:
//
//   - IMP001-IMP006: import lifecycle (duplicates, busy, not found, state)
//   - FILE001-FILE002: file errors
//   - DB001-DB006: database errors
package core
