// Package store persists the dispatch engine's tenant-partitioned state:
// recipient assignments, cadence config and run state,
// recipient-to-tenant associations, and opaque driver auth blobs.
//
// Isolation is structural, not a caller convention: the sqlite backend keys
// every tenant-owned table by a (tenant_id, ...) composite primary key and
// filters every statement on tenant_id; the memory backend resolves a
// per-tenant bucket before touching any data. The only cross-tenant reads
// are ResolveTenant (recipient ownership lookup) and the maintenance prunes.
package store
