package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/netdisco/mdnssd-go/pkg/log"
)

// exportEvent is the JSON form of a trace event.
type exportEvent struct {
	Timestamp   string `json:"timestamp"`
	SessionID   string `json:"session_id"`
	Component   string `json:"component"`
	Category    string `json:"category"`
	ServiceType string `json:"service_type,omitempty"`
	Instance    string `json:"instance,omitempty"`
	Address     string `json:"address,omitempty"`
	Port        uint16 `json:"port,omitempty"`
	State       string `json:"state,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Error       string `json:"error,omitempty"`
}

func toExportEvent(e log.Event) exportEvent {
	return exportEvent{
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionID:   e.SessionID,
		Component:   e.Component.String(),
		Category:    e.Category.String(),
		ServiceType: e.ServiceType,
		Instance:    e.Instance,
		Address:     e.Address,
		Port:        e.Port,
		State:       e.State,
		Detail:      e.Detail,
		Error:       e.Error,
	}
}

// RunExport writes the events matching filter as JSON lines to outputPath,
// or to stdout when outputPath is empty.
func RunExport(path string, filter log.Filter, outputPath string) error {
	var w io.Writer = os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return ExportJSONL(path, filter, w)
}

// ExportJSONL writes the events matching filter to w, one JSON object per
// line.
func ExportJSONL(path string, filter log.Filter, w io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	enc := json.NewEncoder(w)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := enc.Encode(toExportEvent(event)); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
}
