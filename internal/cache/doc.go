// Package cache implements the host cache storage used by the offline agent.
// A Storage owns any number of named Stores, one per cache generation, and
// each Store maps a request key (the absolute request URL) to a captured
// response. Drivers share the same contract: fs writes one HTTP/1.1 wire image
// per entry under StoragePath/<store>/..., leveldb and sqlite keep every store
// in a single database, and memory backs tests and ephemeral deployments.
// Deleting a store is final: handles opened before the deletion refuse writes
// instead of recreating it.
package cache
