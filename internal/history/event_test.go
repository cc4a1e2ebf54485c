package history

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscretizeTimestamp(t *testing.T) {
	tests := []struct {
		name         string
		timestamp    int64
		quantization int64
		want         int64
	}{
		{name: "window start", timestamp: 60000, quantization: 60000, want: 60000},
		{name: "mid window", timestamp: 61234, quantization: 60000, want: 60000},
		{name: "zero", timestamp: 0, quantization: 60000, want: 0},
		{name: "just below boundary", timestamp: 59999, quantization: 60000, want: 0},
		{name: "long window", timestamp: 1_000_000, quantization: 900000, want: 900000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := DiscretizeTimestamp(tc.timestamp, tc.quantization)
			require.Equal(t, tc.want, got)
			// Idempotent: a discretized value maps to itself.
			require.Equal(t, got, DiscretizeTimestamp(got, tc.quantization))
		})
	}
}

func TestDiscretizeDuration(t *testing.T) {
	tests := []struct {
		name         string
		duration     int64
		quantization int64
		want         int64
	}{
		{name: "none passes through", duration: DurationNone, quantization: 60000, want: DurationNone},
		{name: "zero stays zero", duration: 0, quantization: 60000, want: 0},
		{name: "rounds up", duration: 1, quantization: 60000, want: 60000},
		{name: "exact window", duration: 60000, quantization: 60000, want: 60000},
		{name: "just over window", duration: 60001, quantization: 60000, want: 120000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := DiscretizeDuration(tc.duration, tc.quantization)
			require.Equal(t, tc.want, got)
			require.Equal(t, got, DiscretizeDuration(got, tc.quantization))
		})
	}
}

func TestNewAggregationKeyCoalescesWithinWindow(t *testing.T) {
	base := AccessEvent{
		SubjectID:   7,
		PackageName: "com.example.maps",
		OpCode:      OpCamera,
		DeviceID:    DefaultDeviceID,
		OpFlags:     OpFlagSelf,
		AccessTime:  1000,
		Duration:    DurationNone,
	}
	later := base
	later.AccessTime = 30000

	k1 := NewAggregationKey(base, 60000)
	k2 := NewAggregationKey(later, 60000)
	require.Equal(t, k1, k2, "events in the same window must share a key")
	require.Equal(t, int64(0), k1.DiscretizedAccessTime)

	nextWindow := base
	nextWindow.AccessTime = 61000
	k3 := NewAggregationKey(nextWindow, 60000)
	require.NotEqual(t, k1, k3, "events in different windows must not share a key")
}

func TestNewAggregationKeySeparatesIdentityFields(t *testing.T) {
	base := AccessEvent{
		SubjectID:   7,
		PackageName: "com.example.maps",
		OpCode:      OpCamera,
		AccessTime:  1000,
		Duration:    DurationNone,
	}

	tests := []struct {
		name   string
		mutate func(*AccessEvent)
	}{
		{"subject", func(ev *AccessEvent) { ev.SubjectID = 8 }},
		{"package", func(ev *AccessEvent) { ev.PackageName = "com.example.other" }},
		{"op", func(ev *AccessEvent) { ev.OpCode = OpRecordAudio }},
		{"device", func(ev *AccessEvent) { ev.DeviceID = "companion" }},
		{"tag", func(ev *AccessEvent) { ev.AttributionTag = "viewfinder" }},
		{"op flags", func(ev *AccessEvent) { ev.OpFlags = OpFlagTrustedProxied }},
		{"subject state", func(ev *AccessEvent) { ev.SubjectState = 200 }},
		{"attribution flags", func(ev *AccessEvent) { ev.AttributionFlags = AttributionFlagAccessor }},
		{"chain", func(ev *AccessEvent) { ev.ChainID = 42 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			changed := base
			tc.mutate(&changed)
			require.NotEqual(t,
				NewAggregationKey(base, 60000),
				NewAggregationKey(changed, 60000),
			)
		})
	}
}

func TestOpNameRoundTrip(t *testing.T) {
	for code, name := range OpNames {
		require.Equal(t, code, OpByName[name])
		require.Equal(t, name, OpName(code))
	}
	require.Equal(t, "unknown", OpName(9999))
}
