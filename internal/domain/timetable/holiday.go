package timetable

// Holiday is a school holiday period as delivered by the upstream API.
// Dates use the YYYYMMDD encoding. Holidays are display metadata only and
// are cached separately from snapshots.
type Holiday struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	StartDate int    `json:"startDate"`
	EndDate   int    `json:"endDate"`
}

// Contains reports whether the given YYYYMMDD date falls inside the holiday.
func (h *Holiday) Contains(date int) bool {
	return date >= h.StartDate && date <= h.EndDate
}

// HolidayForDate returns the holiday covering the given date, if any.
func HolidayForDate(holidays []Holiday, date int) (Holiday, bool) {
	for _, h := range holidays {
		if h.Contains(date) {
			return h, true
		}
	}
	return Holiday{}, false
}
