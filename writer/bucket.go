package writer

import (
	"fmt"
	"time"
)

// RawFilePrefix and RawFileSuffix frame every raw bucket file name.
const (
	RawFilePrefix = "deltas_utcmin_"
	RawFileSuffix = ".jsonl"

	minuteLayout = "20060102T1504"
)

// MinuteBucket returns the UTC minute containing t, counted from the Unix epoch.
func MinuteBucket(t time.Time) int64 {
	return t.Unix() / 60
}

// MinuteFilename names a minute bucket so that lexical order is
// chronological, e.g. deltas_utcmin_20240102T0304.jsonl.
func MinuteFilename(bucket int64) string {
	return fmt.Sprintf("%s%s%s", RawFilePrefix, time.Unix(bucket*60, 0).UTC().Format(minuteLayout), RawFileSuffix)
}
