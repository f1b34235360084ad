package server

import "time"

// SetFeedKeepalive shrinks the feed keepalive timers and returns a restore
// func.
func SetFeedKeepalive(ping, read time.Duration) func() {
	oldPing, oldRead := feedPingInterval, feedReadTimeout
	feedPingInterval, feedReadTimeout = ping, read
	return func() {
		feedPingInterval, feedReadTimeout = oldPing, oldRead
	}
}
