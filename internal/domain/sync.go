package domain

import "time"

// SyncEnvelope is one user's whole deck as held by a device or the remote.
type SyncEnvelope struct {
	UserID            string       `json:"userId"`
	DeviceID          string       `json:"deviceId"`
	Items             []ReviewItem `json:"items"`
	LastSyncTimestamp time.Time    `json:"lastSyncTimestamp"`
	SyncVersion       int64        `json:"syncVersion"`
}

// QueueEntry is a locally mutated item waiting for the remote to accept it.
type QueueEntry struct {
	Item     ReviewItem `json:"item"`
	Synced   bool       `json:"synced"`
	QueuedAt time.Time  `json:"queuedAt"`
}

// SyncResult reports the outcome of one sync. Error is empty on success.
type SyncResult struct {
	Success           bool         `json:"success"`
	SyncedItems       int          `json:"syncedItems"`
	Error             string       `json:"error,omitempty"`
	LastSyncTimestamp time.Time    `json:"lastSyncTimestamp"`
	SyncVersion       int64        `json:"syncVersion,omitempty"`
	Items             []ReviewItem `json:"-"`
}

// SyncStatus is a read-only view of a device's sync state.
type SyncStatus struct {
	LastSync    *time.Time `json:"lastSync,omitempty"`
	ItemCount   int        `json:"itemCount"`
	PendingSync bool       `json:"pendingSync"`
}

// SyncMeta is the bookkeeping a device keeps about its last successful sync.
type SyncMeta struct {
	LastSyncTimestamp time.Time `json:"lastSyncTimestamp"`
	SyncVersion       int64     `json:"syncVersion"`
}

// RetentionStats summarises a deck.
type RetentionStats struct {
	TotalItems        int     `json:"totalItems"`
	MasteredItems     int     `json:"masteredItems"`
	StrugglingItems   int     `json:"strugglingItems"`
	AverageEaseFactor float64 `json:"averageEaseFactor"`
}
