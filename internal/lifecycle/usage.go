package lifecycle

import "time"

// MinutesUsed rounds elapsed time up to whole minutes and bounds it to
// [1, durationMinutes]. Any session that went active is charged a minute.
func MinutesUsed(start, now time.Time, durationMinutes int) int {
	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	used := int(elapsed / time.Minute)
	if elapsed%time.Minute != 0 {
		used++
	}

	if used < 1 {
		used = 1
	}
	if durationMinutes > 0 && used > durationMinutes {
		used = durationMinutes
	}
	return used
}
