package commands

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdisco/mdnssd-go/pkg/log"
)

func createTestTraceFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.dlog")

	logger, err := log.NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range events {
		logger.Log(e)
	}
	require.NoError(t, logger.Close())
	return path
}

func scanTrace() []log.Event {
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	return []log.Event{
		{Timestamp: ts, SessionID: "scan-1111-aaaa", Component: log.ComponentScanner, Category: log.CategoryState, ServiceType: "_https._tcp", State: "STARTED"},
		{Timestamp: ts.Add(10 * time.Millisecond), SessionID: "scan-1111-aaaa", Component: log.ComponentScanner, Category: log.CategoryBrowse, ServiceType: "_https._tcp", Instance: "UPS A", State: "NEW"},
		{Timestamp: ts.Add(20 * time.Millisecond), SessionID: "scan-1111-aaaa", Component: log.ComponentScanner, Category: log.CategoryResolve, ServiceType: "_https._tcp", Instance: "UPS A", Address: "10.0.0.5", Port: 443},
		{Timestamp: ts.Add(30 * time.Millisecond), SessionID: "scan-1111-aaaa", Component: log.ComponentScanner, Category: log.CategoryFiltered, ServiceType: "_https._tcp", Instance: "PDU B"},
		{Timestamp: ts.Add(time.Second), SessionID: "adv-2222-bbbb", Component: log.ComponentAdvertiser, Category: log.CategoryError, ServiceType: "_https._tcp", Error: "collision"},
	}
}

// TestViewFormatsEvents checks the header line and detail lines.
func TestViewFormatsEvents(t *testing.T) {
	path := createTestTraceFile(t, scanTrace())

	var buf bytes.Buffer
	require.NoError(t, RunView(path, log.Filter{}, &buf))

	out := buf.String()
	assert.Contains(t, out, "2026-03-02T09:30:00.000000Z [session:scan-111] SCANNER    STATE")
	assert.Contains(t, out, "  Address: 10.0.0.5:443")
	assert.Contains(t, out, "  Instance: UPS A")
	assert.Contains(t, out, "  Error: collision")
}

// TestViewFiltersByCategory checks that only matching events are shown.
func TestViewFiltersByCategory(t *testing.T) {
	path := createTestTraceFile(t, scanTrace())

	cat := log.CategoryError
	var buf bytes.Buffer
	require.NoError(t, RunView(path, log.Filter{Category: &cat}, &buf))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "[session:"))
	assert.Contains(t, out, "ADVERTISER")
	assert.NotContains(t, out, "SCANNER")
}

// TestViewMissingFile checks the error for an absent trace.
func TestViewMissingFile(t *testing.T) {
	var buf bytes.Buffer
	err := RunView(filepath.Join(t.TempDir(), "absent.dlog"), log.Filter{}, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open trace file")
}

// TestExportJSONL checks one JSON object per event with readable enums.
func TestExportJSONL(t *testing.T) {
	path := createTestTraceFile(t, scanTrace())

	comp := log.ComponentScanner
	var buf bytes.Buffer
	require.NoError(t, ExportJSONL(path, log.Filter{Component: &comp}, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &ev))
	assert.Equal(t, "SCANNER", ev["component"])
	assert.Equal(t, "RESOLVE", ev["category"])
	assert.Equal(t, "10.0.0.5", ev["address"])
	assert.Equal(t, float64(443), ev["port"])
	assert.NotContains(t, ev, "error")
}

// TestStatsAggregates checks per-component and per-session counts.
func TestStatsAggregates(t *testing.T) {
	path := createTestTraceFile(t, scanTrace())

	stats, err := CollectStats(path)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.TotalEvents)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 4, stats.EventsByComponent[log.ComponentScanner])
	require.Len(t, stats.Sessions, 2)

	scan := stats.Sessions["scan-1111-aaaa"]
	require.NotNil(t, scan)
	assert.Equal(t, 1, scan.Resolved)
	assert.Equal(t, 1, scan.Filtered)
	assert.Equal(t, 0, scan.Errors)

	var buf bytes.Buffer
	require.NoError(t, RunStats(path, &buf))
	out := buf.String()
	assert.Contains(t, out, "Total Events: 5")
	assert.Contains(t, out, "SCANNER:")
	assert.Contains(t, out, "Sessions: 2")
	assert.Less(t, strings.Index(out, "[scan-111]"), strings.Index(out, "[adv-2222]"))
}

// TestStatsEmptyFile checks that an empty trace prints zero counts.
func TestStatsEmptyFile(t *testing.T) {
	path := createTestTraceFile(t, nil)

	var buf bytes.Buffer
	require.NoError(t, RunStats(path, &buf))
	assert.Contains(t, buf.String(), "Total Events: 0")
	assert.NotContains(t, buf.String(), "Time Range")
}

// TestParseFlags checks the flag parsers.
func TestParseFlags(t *testing.T) {
	c, err := ParseCategoryFlag("resolve")
	require.NoError(t, err)
	assert.Equal(t, log.CategoryResolve, c)
	_, err = ParseCategoryFlag("bogus")
	assert.Error(t, err)

	comp, err := ParseComponentFlag("Watcher")
	require.NoError(t, err)
	assert.Equal(t, log.ComponentWatcher, comp)
	_, err = ParseComponentFlag("bus")
	assert.Error(t, err)

	ts, err := ParseTimeFlag("")
	require.NoError(t, err)
	assert.Nil(t, ts)
	ts, err = ParseTimeFlag("2026-03-02T09:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())
	_, err = ParseTimeFlag("yesterday")
	assert.Error(t, err)
}
