package action

import "github.com/jonboulle/clockwork"

// nowCentisec returns the current time truncated to centisecond
// granularity: trunc(epoch_ms/10)/100, expressed as an integer count of
// centiseconds since the epoch.
func nowCentisec(clock clockwork.Clock) int64 {
	return clock.Now().UnixMilli() / 10
}
