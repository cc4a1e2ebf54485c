package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/halcyon-lab/ophistory/internal/history"
)

// buildSelect renders a StoreFilter into SQL. Conditions are appended in a
// fixed order so query plans stay stable across calls.
func buildSelect(f history.StoreFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)

	conds = append(conds, "access_time >= ?", "access_time < ?")
	args = append(args, f.BeginTime, f.EndTime)

	if f.SubjectID != history.SubjectNone {
		conds = append(conds, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.PackageName != "" {
		conds = append(conds, "package_name = ?")
		args = append(args, f.PackageName)
	}
	if f.AttributionTag != "" {
		conds = append(conds, "attribution_tag = ?")
		args = append(args, f.AttributionTag)
	}
	if len(f.OpCodes) > 0 {
		placeholders := strings.Repeat("?, ", len(f.OpCodes))
		conds = append(conds, fmt.Sprintf("op_code IN (%s)", placeholders[:len(placeholders)-2]))
		for _, op := range f.OpCodes {
			args = append(args, op)
		}
	}
	if f.OpFlagsMask != 0 {
		conds = append(conds, "(op_flags & ?) != 0")
		args = append(args, f.OpFlagsMask)
	}

	var b strings.Builder
	b.WriteString(querySelectEvents)
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(conds, " AND "))

	if f.OrderByTime {
		b.WriteString(" ORDER BY access_time")
		if f.Descending {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	return b.String(), args
}

func scanEvent(rows *sql.Rows) (history.AggregatedEvent, error) {
	var (
		ev       history.AggregatedEvent
		deviceID sql.NullString
		tag      sql.NullString
	)
	if err := rows.Scan(
		&ev.SubjectID,
		&ev.PackageName,
		&deviceID,
		&ev.OpCode,
		&tag,
		&ev.SubjectState,
		&ev.OpFlags,
		&ev.AttributionFlags,
		&ev.ChainID,
		&ev.AccessTime,
		&ev.Duration,
		&ev.TotalDuration,
		&ev.AccessCount,
		&ev.RejectCount,
	); err != nil {
		return history.AggregatedEvent{}, fmt.Errorf("scan row: %w", err)
	}

	ev.DeviceID = history.DefaultDeviceID
	if deviceID.Valid {
		ev.DeviceID = deviceID.String
	}
	if tag.Valid {
		ev.AttributionTag = tag.String
	}
	return ev, nil
}
