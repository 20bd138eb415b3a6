package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportJSON writes events as a JSON array for governance review.
func ExportJSON(w io.Writer, events []*Event) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if events == nil {
		events = []*Event{}
	}
	return enc.Encode(events)
}

// ExportCSV writes events as CSV rows with a header. The payload is flattened
// to compact JSON in a single column.
func ExportCSV(w io.Writer, events []*Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"correlation_id", "event_type", "actor", "ts", "hash", "prev_hash", "payload"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for event %s: %w", ev.ID, err)
		}
		row := []string{
			ev.CorrelationID.String(),
			ev.EventType,
			ev.Actor,
			ev.Ts.Format(time.RFC3339Nano),
			ev.Hash,
			ev.PrevHash,
			string(payload),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row for event %s: %w", ev.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
