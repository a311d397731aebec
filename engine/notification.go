// Package engine runs the notification pipeline — map stage, reduce stage,
// and the retry/callback orchestration around them — against a store.Client
// and a handlers.Topology (§4.5-4.7).
package engine

import "time"

// Resource change kinds a notification can carry.
const (
	Created = "created"
	Updated = "updated"
	Deleted = "deleted"
)

// Reserved attribute names stamped onto mapped and reduced rows (§3).
const (
	attrKey        = "_mr_key"
	attrValue      = "_mr_value"
	attrSourceID   = "_mr_source_id"
	attrSourceType = "_mr_source_type"
	attrVersion    = "_mr_version"
	attrDeleted    = "_mr_deleted"
	attrTimestamp  = "_mr_timestamp"
)

// Notification is one change event pulled from a listener, or a synthetic
// one produced by the resync driver. Generated notifications are never
// acked against the store (§3, §4.4).
type Notification struct {
	ResourceType   string
	ResourceChange string
	ResourceID     string
	NotificationID string
	ListenerID     string
	Generated      bool
}

// FailedNotification tracks a Notification that has failed at least once,
// for the in-memory retry policy (§4.7).
type FailedNotification struct {
	Notification
	Retries     int
	ProcessedAt time.Time
}
