package membership

import (
	"fmt"
	"time"
)

// NumberGenerator produces membership numbers.
type NumberGenerator func(now time.Time) string

// TimeNumbers builds numbers as prefix + year + a six digit suffix taken from
// the sub-second clock, e.g. COOP2024-483920. Retries after a collision see a
// later clock and therefore a different suffix.
func TimeNumbers(prefix string) NumberGenerator {
	return func(now time.Time) string {
		suffix := (now.UnixNano() / int64(time.Microsecond)) % 1_000_000
		return fmt.Sprintf("%s%d-%06d", prefix, now.Year(), suffix)
	}
}
