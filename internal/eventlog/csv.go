package eventlog

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"neuronctl/internal/model"
)

// WriteCSV writes events to CSV with a fixed column order. Payloads are
// emitted as compact JSON.
func WriteCSV(w io.Writer, items []model.FederationEvent) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"seq",
		"timestamp",
		"event_id",
		"neuron_id",
		"event_type",
		"initiated_by",
		"success",
		"payload",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, ev := range items {
		payload := ""
		if len(ev.Payload) > 0 {
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				return err
			}
			payload = string(data)
		}
		record := []string{
			strconv.FormatInt(ev.Seq, 10),
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.ID,
			ev.NeuronID,
			ev.EventType,
			ev.InitiatedBy,
			strconv.FormatBool(ev.Success),
			payload,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
