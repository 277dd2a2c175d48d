// Package storage persists what stakebot must remember across restarts:
//
//   - the audit log of toast decisions and operator actions
//   - notification dismissal windows (DismissTo per key)
//   - consumer host session tokens
//
// Drivers: "sqlite" (modernc, no cgo), "memory" and "none".
package storage
