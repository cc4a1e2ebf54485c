package history

import "sync"

// Operation codes for capabilities tracked by the history engine.
const (
	OpCoarseLocation int32 = iota
	OpFineLocation
	OpGPS
	OpMonitorLocation
	OpMonitorHighPowerLocation
	OpEmergencyLocation
	OpCamera
	OpPhoneCallCamera
	OpRecordAudio
	OpPhoneCallMicrophone
	OpReceiveAmbientTriggerAudio
	OpReceiveSandboxTriggerAudio
	OpAccessNotifications
	OpReadDeviceIdentifiers
	OpBindAccessibilityService
	OpAccessAccessibility
	OpRunInBackground
	OpReadHeartRate
	OpReadOxygenSaturation
	OpReadSkinTemperature
	OpReservedForTesting
)

// OpNames maps operation codes to their wire/dump names.
var OpNames = map[int32]string{
	OpCoarseLocation:             "coarse_location",
	OpFineLocation:               "fine_location",
	OpGPS:                        "gps",
	OpMonitorLocation:            "monitor_location",
	OpMonitorHighPowerLocation:   "monitor_high_power_location",
	OpEmergencyLocation:          "emergency_location",
	OpCamera:                     "camera",
	OpPhoneCallCamera:            "phone_call_camera",
	OpRecordAudio:                "record_audio",
	OpPhoneCallMicrophone:        "phone_call_microphone",
	OpReceiveAmbientTriggerAudio: "receive_ambient_trigger_audio",
	OpReceiveSandboxTriggerAudio: "receive_sandbox_trigger_audio",
	OpAccessNotifications:        "access_notifications",
	OpReadDeviceIdentifiers:      "read_device_identifiers",
	OpBindAccessibilityService:   "bind_accessibility_service",
	OpAccessAccessibility:        "access_accessibility",
	OpRunInBackground:            "run_in_background",
	OpReadHeartRate:              "read_heart_rate",
	OpReadOxygenSaturation:       "read_oxygen_saturation",
	OpReadSkinTemperature:        "read_skin_temperature",
	OpReservedForTesting:         "reserved_for_testing",
}

// OpByName is the inverse of OpNames, used by config and the HTTP surface.
var OpByName = func() map[string]int32 {
	m := make(map[string]int32, len(OpNames))
	for code, name := range OpNames {
		m[name] = code
	}
	return m
}()

// OpName returns the dump name for an op code, or "unknown".
func OpName(code int32) string {
	if name, ok := OpNames[code]; ok {
		return name
	}
	return "unknown"
}

// Attribution flags describe an event's role inside an attribution chain.
const (
	AttributionFlagsNone    int32 = 0
	AttributionFlagAccessor int32 = 1 << 0 // chain terminator: the subject doing the access
	AttributionFlagReceiver int32 = 1 << 1 // chain originator: the subject receiving the data
	AttributionFlagTrusted  int32 = 1 << 2
)

// Op flags describe how an access happened.
const (
	OpFlagSelf           int32 = 1 << 0
	OpFlagTrustedProxy   int32 = 1 << 1
	OpFlagTrustedProxied int32 = 1 << 2

	OpFlagsAll = OpFlagSelf | OpFlagTrustedProxy | OpFlagTrustedProxied
)

const (
	// ChainNone marks an event that is not part of an attribution chain.
	ChainNone int64 = 0
	// DurationNone marks an instantaneous access or an unknown duration.
	DurationNone int64 = -1
	// DefaultDeviceID is the host device; stored as NULL to save disk space.
	DefaultDeviceID = "default"
	// SubjectNone is the "no subject filter" sentinel for queries.
	SubjectNone int32 = -1
)

// AccessEvent is a raw report of one subject touching one capability.
type AccessEvent struct {
	SubjectID        int32
	PackageName      string
	OpCode           int32
	DeviceID         string
	AttributionTag   string // empty means no tag
	OpFlags          int32
	SubjectState     int32
	AttributionFlags int32
	ChainID          int64
	AccessTime       int64 // wall clock millis
	Duration         int64 // millis, DurationNone when unknown
}

// AggregationKey identifies the bucket an event aggregates into. Equality
// uses the discretized time fields, never the exact timestamps, so all
// events of one quantization window coalesce into one entry.
type AggregationKey struct {
	SubjectID             int32
	PackageName           string
	OpCode                int32
	DeviceID              string
	AttributionTag        string
	OpFlags               int32
	SubjectState          int32
	AttributionFlags      int32
	ChainID               int64
	DiscretizedAccessTime int64
	DiscretizedDuration   int64
}

// NewAggregationKey derives the bucket key for an event under the given
// quantization. String fields are interned: the same package/tag/device
// repeats across millions of events.
func NewAggregationKey(ev AccessEvent, quantization int64) AggregationKey {
	return AggregationKey{
		SubjectID:             ev.SubjectID,
		PackageName:           intern(ev.PackageName),
		OpCode:                ev.OpCode,
		DeviceID:              intern(ev.DeviceID),
		AttributionTag:        intern(ev.AttributionTag),
		OpFlags:               ev.OpFlags,
		SubjectState:          ev.SubjectState,
		AttributionFlags:      ev.AttributionFlags,
		ChainID:               ev.ChainID,
		DiscretizedAccessTime: DiscretizeTimestamp(ev.AccessTime, quantization),
		DiscretizedDuration:   DiscretizeDuration(ev.Duration, quantization),
	}
}

// Totals are the running sums for one live bucket. Merge is field-wise
// addition.
type Totals struct {
	AccessCount    int64
	RejectCount    int64
	DurationMillis int64
}

// Add folds one report's deltas into the totals.
func (t *Totals) Add(accessDelta, rejectDelta, durationDelta int64) {
	t.AccessCount += accessDelta
	t.RejectCount += rejectDelta
	t.DurationMillis += durationDelta
}

// AggregatedEvent is the persisted row: the key's identity fields, the
// first event's exact access time and duration (kept for display), and
// the bucket totals.
type AggregatedEvent struct {
	SubjectID        int32
	PackageName      string
	OpCode           int32
	DeviceID         string
	AttributionTag   string
	OpFlags          int32
	SubjectState     int32
	AttributionFlags int32
	ChainID          int64
	AccessTime       int64 // exact time of the first event in the bucket
	Duration         int64 // exact duration of the first event in the bucket
	TotalDuration    int64
	AccessCount      int64
	RejectCount      int64
}

// DiscretizeTimestamp rounds a timestamp down to its quantization window
// boundary. Idempotent.
func DiscretizeTimestamp(timestamp, quantization int64) int64 {
	return timestamp / quantization * quantization
}

// DiscretizeDuration rounds a duration up to a whole number of windows.
// DurationNone passes through. Idempotent.
func DiscretizeDuration(duration, quantization int64) int64 {
	if duration == DurationNone {
		return DurationNone
	}
	return (duration + quantization - 1) / quantization * quantization
}

var (
	internMu  sync.Mutex
	internSet = make(map[string]string)
)

func intern(s string) string {
	if s == "" {
		return ""
	}
	internMu.Lock()
	defer internMu.Unlock()
	if cached, ok := internSet[s]; ok {
		return cached
	}
	internSet[s] = s
	return s
}
