// Package storage persists the command audit log and, optionally, the
// Telegram mirror's dedup windows so they survive restarts.
//
// Two drivers exist: "file" (JSON Lines plus a compacted dedup snapshot)
// and "sqlite" (modernc.org/sqlite, no cgo). Notification content is never
// stored.
package storage
