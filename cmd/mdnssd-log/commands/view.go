// Package commands implements the mdnssd-log CLI commands.
package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/netdisco/mdnssd-go/pkg/log"
)

// ParseCategoryFlag parses a category flag value.
func ParseCategoryFlag(s string) (log.Category, error) {
	c, ok := log.ParseCategory(s)
	if !ok {
		return 0, fmt.Errorf("invalid category %q (must be state, browse, resolve, filtered, result or error)", s)
	}
	return c, nil
}

// ParseComponentFlag parses a component flag value.
func ParseComponentFlag(s string) (log.Component, error) {
	switch strings.ToLower(s) {
	case "advertiser":
		return log.ComponentAdvertiser, nil
	case "scanner":
		return log.ComponentScanner, nil
	case "watcher":
		return log.ComponentWatcher, nil
	default:
		return 0, fmt.Errorf("invalid component %q (must be advertiser, scanner or watcher)", s)
	}
}

// ParseTimeFlag parses an RFC3339 time flag. Empty returns nil.
func ParseTimeFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return &t, nil
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s [session:%s] %-10s %s\n",
		ts, shortenSessionID(event.SessionID), event.Component, event.Category)

	if event.ServiceType != "" {
		fmt.Fprintf(w, "  Type: %s\n", event.ServiceType)
	}
	if event.Instance != "" {
		fmt.Fprintf(w, "  Instance: %s\n", event.Instance)
	}
	if event.Address != "" {
		fmt.Fprintf(w, "  Address: %s:%d\n", event.Address, event.Port)
	}
	if event.State != "" {
		fmt.Fprintf(w, "  State: %s\n", event.State)
	}
	if event.Detail != "" {
		fmt.Fprintf(w, "  Detail: %s\n", event.Detail)
	}
	if event.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", event.Error)
	}

	fmt.Fprintln(w)
}

// shortenSessionID returns the first 8 characters of the session ID.
func shortenSessionID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// RunView reads the trace at path and writes the matching events to output.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}
