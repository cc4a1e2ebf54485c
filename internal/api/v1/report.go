package v1

import (
	"fmt"
	"math"

	"github.com/halcyon-lab/ophistory/internal/history"
)

// ReportRequest is the wire shape shared by the three report verbs. Op is
// the operation's dump name; flags are raw bitmasks so callers forward what
// the host process hands them unchanged.
type ReportRequest struct {
	SubjectID        int32  `json:"subject_id"`
	PackageName      string `json:"package_name"`
	Op               string `json:"op"`
	DeviceID         string `json:"device_id,omitempty"`
	AttributionTag   string `json:"attribution_tag,omitempty"`
	OpFlags          int32  `json:"op_flags"`
	SubjectState     int32  `json:"subject_state"`
	AttributionFlags int32  `json:"attribution_flags,omitempty"`
	ChainID          int64  `json:"chain_id,omitempty"`
	AccessTime       int64  `json:"access_time"` // wall clock millis; zero means "now"

	// Count applies to access and reject reports; defaults to 1.
	Count int64 `json:"count,omitempty"`
	// StartOrResume marks an access that opens duration tracking.
	StartOrResume bool `json:"start_or_resume,omitempty"`
	// DeltaMillis is the duration extension for the duration verb.
	DeltaMillis int64 `json:"delta_millis,omitempty"`
}

// Validate checks the fields every verb requires.
func (r *ReportRequest) Validate() error {
	if r.PackageName == "" {
		return fmt.Errorf("package_name is required")
	}
	if _, ok := history.OpByName[r.Op]; !ok {
		return fmt.Errorf("unknown op %q", r.Op)
	}
	if r.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	if r.AccessTime < 0 {
		return fmt.Errorf("access_time must not be negative")
	}
	// Chain ids come from an int32 generator; anything outside its range
	// would bypass the wraparound handling downstream.
	if r.ChainID < 0 || r.ChainID > math.MaxInt32 {
		return fmt.Errorf("chain_id must be between 0 and %d", math.MaxInt32)
	}
	return nil
}

// Event converts the request into the engine's input type.
func (r *ReportRequest) Event() history.AccessEvent {
	deviceID := r.DeviceID
	if deviceID == "" {
		deviceID = history.DefaultDeviceID
	}
	return history.AccessEvent{
		SubjectID:        r.SubjectID,
		PackageName:      r.PackageName,
		OpCode:           history.OpByName[r.Op],
		DeviceID:         deviceID,
		AttributionTag:   r.AttributionTag,
		OpFlags:          r.OpFlags,
		SubjectState:     r.SubjectState,
		AttributionFlags: r.AttributionFlags,
		ChainID:          r.ChainID,
		AccessTime:       r.AccessTime,
		Duration:         history.DurationNone,
	}
}
