// Package flagstore implements the caching and availability-tracking layer
// that sits between a feature-flag evaluation engine and a persistent
// backend (Redis, a database integration, or an in-process store).
//
// Components:
//   - backend.Backend: the persistent store contract, with version
//     compare-and-swap on every write.
//   - Store: the facade exposing the same read/write shape as the raw
//     backend, adding TTL caching, version recovery, availability tracking
//     and optional statistics.
//   - codec: pluggable item serialization (JSON, CBOR, msgpack, protobuf)
//     bridged into storetypes.Kind.
//
// Cache modes, selected by Options.TTL:
//
//	TTL == 0  - no caching; every call hits the backend
//	TTL > 0   - finite cache; staleness handled per Options.StalePolicy
//	TTL < 0   - cache forever; only writes change cached data
//
// CAS pattern (enforced by backends, surfaced by Upsert):
//
//	applied, err := store.Upsert(ctx, kind, key, item) // iff item.Version > stored version
package flagstore
