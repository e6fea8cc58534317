// Package engine orchestrates the generation task lifecycle: it owns the
// running-set of live plugin instances, drives status transitions through
// the task store, relays progress and preview events to observers, and
// implements stop, reset, and crash recovery.
package engine
