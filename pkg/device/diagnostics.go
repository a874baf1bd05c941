package device

// Diagnostics is a free-form status record. It always carries DiagStatus.
type Diagnostics map[string]any

// Well-known diagnostics keys.
const (
	DiagStatus    = "status"
	DiagError     = "error"
	DiagFault     = "fault"
	DiagRobotType = "robot_type"
)

// Status values.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Disconnected returns the record reported by an adapter without a handle.
func Disconnected() Diagnostics {
	return Diagnostics{DiagStatus: StatusDisconnected}
}

// Failed returns a record describing a diagnostics failure.
func Failed(err error) Diagnostics {
	return Diagnostics{DiagStatus: StatusError, DiagError: err.Error()}
}

// Status returns the status string, or "" when unset.
func (d Diagnostics) Status() string {
	s, _ := d[DiagStatus].(string)
	return s
}

// Fault returns the fatal hardware fault description, if one is reported.
// A fault is not an error: the caller decides whether to trigger an emergency
// stop.
func (d Diagnostics) Fault() (string, bool) {
	s, ok := d[DiagFault].(string)
	return s, ok && s != ""
}
