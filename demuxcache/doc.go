// Package demuxcache implements a single-reader/multi-consumer packet
// buffering cache sitting between a format-specific producer (something
// that turns a byte stream into packets, e.g. package tsfeed) and one or
// more readers consuming those packets per elementary stream.
//
// A Demuxer owns a read-ahead goroutine that pulls from a Producer and
// appends decoded Packets into per-stream Queues grouped into LRU-ordered
// CachedRanges. Consumers call Reader.ReadPacket (or the non-blocking
// variants) to drain packets for a selected stream; seeking within an
// already-cached range is served from memory, falling back to a fresh
// producer-level seek otherwise.
//
// All mutable state lives behind a single sync.Mutex plus sync.Cond,
// mirroring the lock discipline of mpv's demux.c: the read-ahead
// goroutine and every Reader method take the same lock, and the producer
// is always called with the lock dropped.
package demuxcache
