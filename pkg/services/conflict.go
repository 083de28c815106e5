package services

import "time"

// UpdateVerdict is the Conflict Detector's decision for one pushed update.
type UpdateVerdict int

const (
	// UpdateApply means the client copy is as new as the stored one, or newer.
	UpdateApply UpdateVerdict = iota
	// UpdateConflict means the client edited a stale copy; the server wins.
	UpdateConflict
	// UpdateUnknown means no live record with that id exists for the owner.
	UpdateUnknown
)

func (v UpdateVerdict) String() string {
	switch v {
	case UpdateApply:
		return "apply"
	case UpdateConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// CheckUpdate compares a pushed record's updated_at with the stored copy at
// millisecond precision, the precision both sides are stored at. stored is nil
// when the id is unknown; a tombstoned record counts as unknown.
func CheckUpdate(clientUpdatedAt time.Time, stored *time.Time, storedDeleted bool) UpdateVerdict {
	if stored == nil || storedDeleted {
		return UpdateUnknown
	}
	if clientUpdatedAt.UnixMilli() < stored.UnixMilli() {
		return UpdateConflict
	}
	return UpdateApply
}
