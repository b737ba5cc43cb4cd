// Package registry holds the live set of tools shared by every conversation.
// Readers load an immutable snapshot without locking; refreshes rebuild the
// tool set from the catalog and swap it in atomically.
package registry
