// +build !monitoring

package monitoring

// Enabled specifies that the tower was not built with the monitoring tag,
// so Prometheus metrics are not exported.
const Enabled = false

// Start is a no-op so the tower compiles without the monitoring tag.
func Start(_ string) {}

// SetAppointments is a no-op without the monitoring tag.
func SetAppointments(_ int) {}

// SetTrackers is a no-op without the monitoring tag.
func SetTrackers(_ int) {}

// IncMatches is a no-op without the monitoring tag.
func IncMatches() {}

// IncRebroadcasts is a no-op without the monitoring tag.
func IncRebroadcasts() {}

// IncRetired is a no-op without the monitoring tag.
func IncRetired() {}

// SetWatcherIdle is a no-op without the monitoring tag.
func SetWatcherIdle(_ bool) {}

// SetResponderIdle is a no-op without the monitoring tag.
func SetResponderIdle(_ bool) {}
