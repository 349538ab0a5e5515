package bus

type (
	// ExecutionStatus is the terminal or in-flight state an executor reports
	// for a piece of work.
	ExecutionStatus string

	// Surface names a UI destination for status updates. The stream surface
	// is the main conversation; the activity surface is the background
	// activity feed.
	Surface string
)

const (
	StatusRunning            ExecutionStatus = "running"
	StatusDone               ExecutionStatus = "done"
	StatusFailed             ExecutionStatus = "failed"
	StatusStuck              ExecutionStatus = "stuck"
	StatusBlocked            ExecutionStatus = "blocked"
	StatusVerificationFailed ExecutionStatus = "verification_failed"
)

const (
	SurfaceStream   Surface = "stream"
	SurfaceActivity Surface = "activity"
)

// SurfacesFor returns the UI surfaces a status update of the given status
// must reach. Progress updates stay on the activity feed; terminal statuses
// reach both the conversation stream and the activity feed. Unknown statuses
// get the dual default so new states are never silently hidden.
func SurfacesFor(status ExecutionStatus) []Surface {
	switch status {
	case StatusRunning:
		return []Surface{SurfaceActivity}
	case StatusDone, StatusFailed, StatusStuck, StatusBlocked, StatusVerificationFailed:
		return []Surface{SurfaceStream, SurfaceActivity}
	default:
		return []Surface{SurfaceStream, SurfaceActivity}
	}
}

// SurfaceStrings converts surfaces to plain strings for payload embedding.
func SurfaceStrings(surfaces []Surface) []string {
	out := make([]string, len(surfaces))
	for i, s := range surfaces {
		out[i] = string(s)
	}
	return out
}
