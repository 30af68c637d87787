// Package storage is the document store behind the hash cache and the
// recipient registry.
//
// A Backend (memory, file, sqlite or redis) speaks in documents with an id and
// an optimistic-concurrency revision. Store wraps one named database of a
// backend, retries rate-limited calls with capped exponential backoff and turns
// every failure into a classified *Error.
package storage
