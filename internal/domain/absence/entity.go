// Package absence contains absence records fetched from the upstream API.
// The absence check compares fresh records against the stored copies to
// detect new absences and excused-status changes.
package absence

import "time"

// Record is an absence entry. Unique per (UserID, UntisID).
type Record struct {
	UntisID int64
	UserID  string

	// StartDate and EndDate in YYYYMMDD encoding.
	StartDate int
	EndDate   int

	Excused   bool
	Reason    string
	CreatedAt time.Time
}

// Differs reports whether a freshly fetched record deviates from the stored
// copy in a way the user cares about: the excused status or the reason.
func (r *Record) Differs(fresh *Record) bool {
	return r.Excused != fresh.Excused || r.Reason != fresh.Reason
}
