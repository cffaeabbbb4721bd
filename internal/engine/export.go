package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"gitdone/internal/domain"
)

const (
	ExportJSON = "json"
	ExportCSV  = "csv"
)

// EventExport is a downloadable snapshot of one event.
type EventExport struct {
	Filename    string
	ContentType string
	Body        []byte
}

type exportDocument struct {
	Event      EventView       `json:"event"`
	Timeline   []TimelineEntry `json:"timeline"`
	ExportedAt time.Time       `json:"exported_at"`
}

var csvHeader = []string{
	"Step Name", "Status", "Vendor Email", "Description", "Time Limit",
	"Created At", "Triggered At", "Completed At", "Timed Out At", "Comments", "Files", "Commit",
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Export renders the event, its steps and its ledger as json or csv. An empty format is json.
func (e *Engine) Export(ctx context.Context, eventID, format string) (EventExport, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportJSON
	}
	if format != ExportJSON && format != ExportCSV {
		return EventExport{}, domain.ValidationError{Field: "format", Reason: "must be json or csv"}
	}
	ev, err := e.GetEvent(ctx, eventID)
	if err != nil {
		return EventExport{}, err
	}
	timeline, err := e.Timeline(ctx, eventID)
	if err != nil {
		return EventExport{}, err
	}
	name := unsafeFilename.ReplaceAllString(ev.Name, "_") + "_export." + format

	if format == ExportJSON {
		body, err := json.MarshalIndent(exportDocument{Event: ev, Timeline: timeline, ExportedAt: e.now()}, "", "  ")
		if err != nil {
			return EventExport{}, err
		}
		return EventExport{Filename: name, ContentType: "application/json", Body: body}, nil
	}
	body, err := stepsCSV(ev.Event)
	if err != nil {
		return EventExport{}, err
	}
	return EventExport{Filename: name, ContentType: "text/csv", Body: body}, nil
}

func stepsCSV(ev domain.Event) ([]byte, error) {
	commits := make(map[string]string, len(ev.Commits))
	for _, c := range ev.Commits {
		commits[c.StepID] = c.Hash
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, st := range ev.Steps {
		files := make([]string, 0, len(st.Files))
		for _, f := range st.Files {
			files = append(files, f.Name)
		}
		row := []string{
			st.Name,
			string(st.Status),
			st.VendorEmail,
			st.Description,
			st.TimeLimit,
			domain.FormatTime(st.CreatedAt),
			optionalTime(st.TriggeredAt),
			optionalTime(st.CompletedAt),
			optionalTime(st.TimedOutAt),
			st.CompletionComments,
			strings.Join(files, ";"),
			commits[st.ID],
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func optionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return domain.FormatTime(*t)
}
