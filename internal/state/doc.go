// Package state provides the SQLite-backed session store, the channel
// history buffer and the scheduled task store. All of them share the single
// database handle returned by Open.
package state

import "github.com/user/gopherbridge/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.ChannelHistory = (*ChannelHistory)(nil)
