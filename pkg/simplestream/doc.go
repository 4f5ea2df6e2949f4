// Package simplestream serves files stored in a remote, chat-oriented object
// store as ordinary HTTP byte-range downloads.
//
// It exposes a single Service interface that balances downloads across a pool
// of backend sessions, streams objects in fixed-size chunks with range
// trimming, migrates sessions to the endpoint hosting an object on first use,
// and generates deduplicated preview frames for uploaded videos. Remote stores
// (in-memory, S3-compatible) and metadata repositories (memory, Postgres) are
// provided under subpackages.
//
// # Chunk Plans
//
// Backend reads are aligned to the chunk size. A range [first, last] is served
// by fetching every aligned chunk it touches, trimming the leading bytes of the
// first chunk and the trailing bytes of the last one.
//
// # Thumbnails
//
// Preview frames are keyed by a normalized title, the content key, so repeated
// uploads of the same title share one record. A record is only replaced by an
// upload of strictly higher quality, or when it holds too few links.
package simplestream
