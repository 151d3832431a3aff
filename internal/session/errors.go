package session

// stoppedError signals a Generate call against a session that has been shut
// down. Stopped sessions are terminal; the directory creates a fresh one.
type stoppedError struct{ model string }

func (e stoppedError) Error() string { return "session stopped: " + e.model }

// IsStopped reports whether err indicates a terminated session.
func IsStopped(err error) bool {
	_, ok := err.(stoppedError)
	return ok
}
