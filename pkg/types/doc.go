// Package types defines the shared value types of StrataFS: storage
// tiers, virtual file entries, cache bookkeeping records, storage
// sources, and the request/result records of cross-storage sync
// operations. Every component speaks in these types; none of them
// carries behavior beyond small derivations.
package types
