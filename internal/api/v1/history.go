package v1

import "github.com/halcyon-lab/ophistory/internal/history"

// Proxy names the chain member an access happened on behalf of.
type Proxy struct {
	SubjectID      int32  `json:"subject_id"`
	PackageName    string `json:"package_name"`
	AttributionTag string `json:"attribution_tag,omitempty"`
}

// DiscreteEvent is one persisted aggregated row.
type DiscreteEvent struct {
	SubjectID        int32  `json:"subject_id"`
	PackageName      string `json:"package_name"`
	Op               string `json:"op"`
	DeviceID         string `json:"device_id"`
	AttributionTag   string `json:"attribution_tag,omitempty"`
	OpFlags          int32  `json:"op_flags"`
	SubjectState     int32  `json:"subject_state"`
	AttributionFlags int32  `json:"attribution_flags,omitempty"`
	ChainID          int64  `json:"chain_id,omitempty"`
	AccessTime       int64  `json:"access_time"`
	Duration         int64  `json:"duration"`
	TotalDuration    int64  `json:"total_duration"`
	AccessCount      int64  `json:"access_count"`
	RejectCount      int64  `json:"reject_count"`
	Proxy            *Proxy `json:"proxy,omitempty"`
}

// AggregateEntry is the folded totals for one (subject, package, op).
type AggregateEntry struct {
	SubjectID      int32  `json:"subject_id"`
	PackageName    string `json:"package_name"`
	Op             string `json:"op"`
	AccessCount    int64  `json:"access_count"`
	RejectCount    int64  `json:"reject_count"`
	DurationMillis int64  `json:"duration_millis"`
}

// HistoryResponse carries whichever views the query asked for.
type HistoryResponse struct {
	BeginTime int64            `json:"begin_time"`
	EndTime   int64            `json:"end_time"`
	Discrete  []DiscreteEvent  `json:"discrete,omitempty"`
	Aggregate []AggregateEntry `json:"aggregate,omitempty"`
}

// NewHistoryResponse converts an engine result to the wire shape.
func NewHistoryResponse(beginTime, endTime int64, res history.Result) HistoryResponse {
	resp := HistoryResponse{BeginTime: beginTime, EndTime: endTime}
	for _, de := range res.Discrete {
		out := DiscreteEvent{
			SubjectID:        de.SubjectID,
			PackageName:      de.PackageName,
			Op:               history.OpName(de.OpCode),
			DeviceID:         de.DeviceID,
			AttributionTag:   de.AttributionTag,
			OpFlags:          de.OpFlags,
			SubjectState:     de.SubjectState,
			AttributionFlags: de.AttributionFlags,
			ChainID:          de.ChainID,
			AccessTime:       de.AccessTime,
			Duration:         de.Duration,
			TotalDuration:    de.TotalDuration,
			AccessCount:      de.AccessCount,
			RejectCount:      de.RejectCount,
		}
		if de.Proxy != nil {
			out.Proxy = &Proxy{
				SubjectID:      de.Proxy.SubjectID,
				PackageName:    de.Proxy.PackageName,
				AttributionTag: de.Proxy.AttributionTag,
			}
		}
		resp.Discrete = append(resp.Discrete, out)
	}
	for _, entry := range res.Aggregate {
		resp.Aggregate = append(resp.Aggregate, AggregateEntry{
			SubjectID:      entry.SubjectID,
			PackageName:    entry.PackageName,
			Op:             history.OpName(entry.OpCode),
			AccessCount:    entry.AccessCount,
			RejectCount:    entry.RejectCount,
			DurationMillis: entry.DurationMillis,
		})
	}
	return resp
}
