package ledger

import "time"

// Affiliate payouts are periodized into weeks for auditing, with a release
// point late on Wednesday (23:59:59 GMT). Week numbering starts from a fixed
// epoch offset so week boundaries fall on Monday 00:00 UTC.
const (
	weekEpochStart  int64 = 345600
	secondsPerWeek  int64 = 604800
	wednesdayOffset int64 = 259199
)

// WeekNumber returns the audit week containing t.
func WeekNumber(t time.Time) uint64 {
	return uint64((t.Unix() - weekEpochStart) / secondsPerWeek)
}

// AfterWednesdayRelease reports whether t is past the release point within
// its own week, at which point the current week's rewards become claimable.
func AfterWednesdayRelease(t time.Time) bool {
	progress := (t.Unix() - weekEpochStart) % secondsPerWeek
	return progress >= wednesdayOffset
}
