// Package repository persists profiles with bun. ProfileStore implements
// account.ProfileStore over sqlite or postgres.
package repository
