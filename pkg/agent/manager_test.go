package agent_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/netdisco/mdnssd-go/internal/stacksim"
	"github.com/netdisco/mdnssd-go/pkg/agent"
	"github.com/netdisco/mdnssd-go/pkg/discovery"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(topic string, services []discovery.ServiceMapping) error {
	args := m.Called(topic, services)
	return args.Error(0)
}

type mockInfo struct {
	mock.Mock
}

func (m *mockInfo) Info(ctx context.Context) (discovery.ServiceDescriptor, discovery.TXTRecordMap, error) {
	args := m.Called(ctx)
	return args.Get(0).(discovery.ServiceDescriptor), args.Get(1).(discovery.TXTRecordMap), args.Error(2)
}

func ups(name string, last byte) stacksim.Service {
	return stacksim.Service{
		Name:     name,
		Type:     "_https._tcp",
		Hostname: name + ".local",
		Address:  net.IPv4(10, 0, 0, last),
		Port:     443,
		TXT:      []string{"type=ups", "manufacturer=EATON"},
	}
}

func defaultParams() agent.Parameters {
	return agent.Parameters{
		ScanType:     discovery.DefaultScanType,
		ScanTopic:    "SCAN-ANNOUNCE",
		NewScanTopic: "SCAN-NEW-ANNOUNCE",
	}
}

func newManager(t *testing.T, network *stacksim.Network, params agent.Parameters, config agent.Config) *agent.Manager {
	t.Helper()
	config.Logger = slog.New(slog.DiscardHandler)
	m := agent.NewManager(stacksim.New(network), params, config)
	t.Cleanup(m.Stop)
	return m
}

// TestDefaultTXTHasNilUUID verifies a fresh manager carries the
// placeholder uuid record.
func TestDefaultTXTHasNilUUID(t *testing.T) {
	m := newManager(t, stacksim.NewNetwork(), defaultParams(), agent.Config{})
	_, txt := m.Definition()
	require.Equal(t, "00000000-0000-0000-0000-000000000000", txt[discovery.TXTKeyUUID])
}

// TestDoScanPublishes verifies scan results are published as mappings on
// the scan topic.
func TestDoScanPublishes(t *testing.T) {
	network := stacksim.NewNetwork()
	network.Publish(ups("ups-1", 1))
	network.Publish(ups("ups-2", 2))

	pub := &mockPublisher{}
	pub.On("Publish", "SCAN-ANNOUNCE", mock.MatchedBy(func(s []discovery.ServiceMapping) bool {
		return len(s) == 2 && s[0].Name == "ups-1" && s[0].Port == "443" && s[1].Address == "10.0.0.2"
	})).Return(nil).Once()

	m := newManager(t, network, defaultParams(), agent.Config{Publisher: pub})
	results, err := m.DoScan(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	pub.AssertExpectations(t)
}

// TestDoScanNoPublishStdout verifies ScanNoPublishBus suppresses
// publishing and ScanStdOut writes the text format.
func TestDoScanNoPublishStdout(t *testing.T) {
	network := stacksim.NewNetwork()
	network.Publish(ups("ups-1", 1))

	pub := &mockPublisher{}
	var out bytes.Buffer
	params := defaultParams()
	params.ScanNoPublishBus = true
	params.ScanStdOut = true

	m := newManager(t, network, params, agent.Config{Publisher: pub, Stdout: &out})
	_, err := m.DoScan(context.Background())
	require.NoError(t, err)

	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	require.Equal(t, strings.Repeat("*", 30)+"\n"+
		"service.hostname=ups-1.local\n"+
		"service.name=ups-1\n"+
		"service.address=10.0.0.1\n"+
		"service.port=443\n"+
		"type=ups\n"+
		"manufacturer=EATON\n", out.String())
}

// TestDoScanFailure verifies a failed scan publishes nothing.
func TestDoScanFailure(t *testing.T) {
	network := stacksim.NewNetwork()
	st := stacksim.New(network)
	st.SetFaults(stacksim.Faults{BrowseFailure: true})

	pub := &mockPublisher{}
	m := agent.NewManager(st, defaultParams(), agent.Config{Publisher: pub, Logger: slog.New(slog.DiscardHandler)})
	_, err := m.DoScan(context.Background())
	require.ErrorIs(t, err, discovery.ErrDiscovery)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

// TestDoDefaultAnnounceUsesInfo verifies the info source's description is
// announced.
func TestDoDefaultAnnounceUsesInfo(t *testing.T) {
	network := stacksim.NewNetwork()
	desc := discovery.ServiceDescriptor{Name: "IPM (abcd)", Type: "_https._tcp.", Port: "443"}
	info := &mockInfo{}
	info.On("Info", mock.Anything).Return(desc, discovery.TXTRecordMap{"type": "ups"}, nil).Once()

	m := newManager(t, network, defaultParams(), agent.Config{Info: info})
	require.NoError(t, m.Init())
	require.NoError(t, m.DoDefaultAnnounce(context.Background()))

	for i := 0; i < 10 && network.Len() == 0; i++ {
		require.NoError(t, m.Advertiser().Pump())
	}
	svc, ok := network.Lookup("IPM (abcd)", "_https._tcp.")
	require.True(t, ok)
	require.Equal(t, []string{"type=ups"}, svc.TXT)
	info.AssertExpectations(t)
}

// TestDoDefaultAnnounceRetriesInfo verifies the info source is asked
// InfoAttempts times before defaults are announced.
func TestDoDefaultAnnounceRetriesInfo(t *testing.T) {
	network := stacksim.NewNetwork()
	info := &mockInfo{}
	info.On("Info", mock.Anything).
		Return(discovery.ServiceDescriptor{}, discovery.TXTRecordMap(nil), errors.New("timeout")).
		Times(agent.InfoAttempts)

	m := newManager(t, network, defaultParams(), agent.Config{Info: info, InfoRetryDelay: 30 * time.Millisecond})
	require.NoError(t, m.Init())
	start := time.Now()
	require.NoError(t, m.DoDefaultAnnounce(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), time.Duration(agent.InfoAttempts-1)*30*time.Millisecond)

	for i := 0; i < 10 && network.Len() == 0; i++ {
		require.NoError(t, m.Advertiser().Pump())
	}
	_, ok := network.Lookup(discovery.DefaultServiceName, discovery.DefaultServiceType)
	require.True(t, ok)
	info.AssertExpectations(t)
}

// TestDoDefaultAnnounceAfterCancelled verifies a cancelled delay reports
// the context error.
func TestDoDefaultAnnounceAfterCancelled(t *testing.T) {
	m := newManager(t, stacksim.NewNetwork(), defaultParams(), agent.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := m.DoDefaultAnnounceAfter(ctx, time.Hour)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

// TestHandleInfoUpdatesTXT verifies an INFO update replaces the announced
// TXT records.
func TestHandleInfoUpdatesTXT(t *testing.T) {
	network := stacksim.NewNetwork()
	m := newManager(t, network, defaultParams(), agent.Config{})
	require.NoError(t, m.Init())
	require.NoError(t, m.DoAnnounce(context.Background()))

	desc, _ := m.Definition()
	require.NoError(t, m.HandleInfo(desc, discovery.TXTRecordMap{"model": "9PX"}))

	svc, ok := network.Lookup(discovery.DefaultServiceName, discovery.DefaultServiceType)
	require.True(t, ok)
	require.Equal(t, []string{"model=9PX"}, svc.TXT)
}

// TestAutoScanPublishesNewServices verifies watched services are published
// on the new-scan topic in discovery order.
func TestAutoScanPublishesNewServices(t *testing.T) {
	network := stacksim.NewNetwork()
	network.Publish(ups("ups-1", 1))

	pub := &mockPublisher{}
	pub.On("Publish", "SCAN-NEW-ANNOUNCE", mock.MatchedBy(func(s []discovery.ServiceMapping) bool {
		return len(s) == 1 && s[0].Name == "ups-1"
	})).Return(nil).Once()
	pub.On("Publish", "SCAN-NEW-ANNOUNCE", mock.MatchedBy(func(s []discovery.ServiceMapping) bool {
		return len(s) == 1 && s[0].Name == "ups-2"
	})).Return(nil).Once()

	params := defaultParams()
	params.ScanAuto = true
	m := newManager(t, network, params, agent.Config{Publisher: pub})
	require.NoError(t, m.Init())

	published := 0
	for i := 0; i < 20 && published < 1; i++ {
		require.NoError(t, m.Watcher().Pump())
		published += m.PublishNewServices()
	}
	network.Publish(ups("ups-2", 2))
	for i := 0; i < 20 && published < 2; i++ {
		require.NoError(t, m.Watcher().Pump())
		published += m.PublishNewServices()
	}

	require.Equal(t, 2, published)
	pub.AssertExpectations(t)
}

// TestRunStopsOnCancel verifies Run returns when its context ends and
// withdraws the announcement.
func TestRunStopsOnCancel(t *testing.T) {
	network := stacksim.NewNetwork()
	m := newManager(t, network, defaultParams(), agent.Config{})

	require.ErrorIs(t, m.Run(context.Background()), discovery.ErrNotStarted)

	require.NoError(t, m.Init())
	require.NoError(t, m.DoAnnounce(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	require.Equal(t, 0, network.Len())
	require.False(t, m.Advertiser().State().Started)
}

// TestInitAfterStopWatchesAgain verifies a stopped manager with ScanAuto
// subscribes again on the next Init.
func TestInitAfterStopWatchesAgain(t *testing.T) {
	network := stacksim.NewNetwork()
	params := defaultParams()
	params.ScanAuto = true
	m := newManager(t, network, params, agent.Config{})

	require.NoError(t, m.Init())
	require.True(t, m.Watcher().Watching())

	m.Stop()
	require.False(t, m.Watcher().Watching())

	require.NoError(t, m.Init())
	require.True(t, m.Watcher().Watching())

	network.Publish(ups("ups-after", 9))
	for i := 0; i < 20 && m.Watcher().QueueDepth() == 0; i++ {
		require.NoError(t, m.Watcher().Pump())
	}
	svc, ok := m.Watcher().DequeueOldest()
	require.True(t, ok)
	require.Equal(t, "ups-after", svc.Instance.Name)
}

// TestDoDefaultAnnounceStopsRetryingOnCancel verifies a cancelled context
// ends the wait between info attempts.
func TestDoDefaultAnnounceStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	info := &mockInfo{}
	info.On("Info", mock.Anything).
		Return(discovery.ServiceDescriptor{}, discovery.TXTRecordMap(nil), errors.New("timeout")).
		Run(func(mock.Arguments) { cancel() }).
		Once()

	m := newManager(t, stacksim.NewNetwork(), defaultParams(), agent.Config{Info: info, InfoRetryDelay: time.Hour})
	require.NoError(t, m.Init())

	done := make(chan error, 1)
	go func() { done <- m.DoDefaultAnnounce(ctx) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("DoDefaultAnnounce kept waiting after cancel")
	}
	info.AssertExpectations(t)
}
