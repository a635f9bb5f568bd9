// Package local is a self-hosted identity provider backed by the same bun
// database as the profile store.
//
// Identities live in the identities table with bcrypt password hashes. The
// signed in session of a device is a JWT persisted in device_sessions, so a
// process restart restores it through GetSession. Session changes are
// delivered to each subscriber on its own goroutine in the order they happen.
package local
