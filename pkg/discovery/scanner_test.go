package discovery_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netdisco/mdnssd-go/internal/stacksim"
	"github.com/netdisco/mdnssd-go/pkg/discovery"
	"github.com/netdisco/mdnssd-go/pkg/eventloop"
)

func newScanner(st *stacksim.Stack, filter discovery.ScanFilter) *discovery.Scanner {
	return discovery.NewScanner(st, discovery.ScannerConfig{Logger: quietLogger(), Filter: filter})
}

// TestScanEmptyNetwork verifies a scan with nothing to find returns an
// empty result and no error.
func TestScanEmptyNetwork(t *testing.T) {
	st := stacksim.New(stacksim.NewNetwork())

	results, err := newScanner(st, discovery.ScanFilter{}).Scan(context.Background(), discovery.DefaultScanType)
	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, 0, st.OpenPolls())
}

// TestScanResolvesAll verifies every instance is resolved with address,
// port, host name and TXT records.
func TestScanResolvesAll(t *testing.T) {
	network := stacksim.NewNetwork()
	network.Publish(ups("ups-1", "EATON", 10))
	network.Publish(ups("ups-2", "EATON", 11))
	network.Publish(stacksim.Service{Name: "printer", Type: "_ipp._tcp", Port: 631})
	st := stacksim.New(network)

	results, err := newScanner(st, discovery.ScanFilter{}).Scan(context.Background(), "_https._tcp")
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Equal(t, "ups-1", results[0].Instance.Name)
	require.Equal(t, "192.168.1.10", results[0].Address)
	require.Equal(t, uint16(443), results[0].Port)
	require.Equal(t, "ups-1.local", results[0].Hostname)
	require.Equal(t, "EATON", results[0].TXTMap()["manufacturer"])
	require.Equal(t, "ups-2", results[1].Instance.Name)

	require.Equal(t, 0, st.OpenPolls())
	require.Equal(t, 0, st.OpenClients())
	require.Equal(t, 0, st.OpenBrowsers())
	require.Equal(t, 0, st.OpenResolvers())
}

// TestScanAppliesFilter verifies excluded instances are not returned.
func TestScanAppliesFilter(t *testing.T) {
	network := stacksim.NewNetwork()
	network.Publish(ups("ups-1", "EATON", 10))
	network.Publish(ups("ups-2", "OTHER", 11))
	st := stacksim.New(network)

	scanner := newScanner(st, discovery.ScanFilter{})
	scanner.SetFilter(discovery.ScanFilter{Manufacturer: "eaton"})

	results, err := scanner.Scan(context.Background(), "_https._tcp")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "ups-1", results[0].Instance.Name)
}

// TestScanSkipsUnresolvable verifies one failed resolve drops only that
// instance.
func TestScanSkipsUnresolvable(t *testing.T) {
	network := stacksim.NewNetwork()
	network.Publish(ups("ups-1", "EATON", 10))
	network.Publish(ups("ups-2", "EATON", 11))
	st := stacksim.New(network)
	st.SetFaults(stacksim.Faults{Resolve: map[string]bool{"ups-1": true}})

	results, err := newScanner(st, discovery.ScanFilter{}).Scan(context.Background(), "_https._tcp")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "ups-2", results[0].Instance.Name)
}

// TestScanFailures verifies stack failures abort the scan with
// ErrDiscovery and no results.
func TestScanFailures(t *testing.T) {
	tests := []struct {
		name   string
		faults stacksim.Faults
	}{
		{"browser creation", stacksim.Faults{Browser: true}},
		{"browser failure", stacksim.Faults{BrowseFailure: true}},
		{"resolver creation", stacksim.Faults{ResolverCreate: map[string]bool{"ups-2": true}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			network := stacksim.NewNetwork()
			network.Publish(ups("ups-1", "EATON", 10))
			network.Publish(ups("ups-2", "EATON", 11))
			st := stacksim.New(network)
			st.SetFaults(tc.faults)

			results, err := newScanner(st, discovery.ScanFilter{}).Scan(context.Background(), "_https._tcp")
			require.ErrorIs(t, err, discovery.ErrDiscovery)
			require.Nil(t, results)
			require.Equal(t, 0, st.OpenPolls())
			require.Equal(t, 0, st.OpenClients())
		})
	}
}

// TestScanSetupFailures verifies a scan that cannot allocate its poll
// context or client fails with ErrInitialization.
func TestScanSetupFailures(t *testing.T) {
	tests := []struct {
		name   string
		faults stacksim.Faults
	}{
		{"poll", stacksim.Faults{Poll: true}},
		{"client", stacksim.Faults{Client: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			network := stacksim.NewNetwork()
			network.Publish(ups("ups-1", "EATON", 10))
			st := stacksim.New(network)
			st.SetFaults(tc.faults)

			results, err := newScanner(st, discovery.ScanFilter{}).Scan(context.Background(), "_https._tcp")
			require.ErrorIs(t, err, discovery.ErrInitialization)
			require.NotErrorIs(t, err, discovery.ErrDiscovery)
			require.Nil(t, results)
			require.Equal(t, 0, st.OpenPolls())
			require.Equal(t, 0, st.OpenClients())
		})
	}
}

// TestScanManyInstances verifies a scan finishes when the network holds
// more instances than the event loop's initial queue capacity.
func TestScanManyInstances(t *testing.T) {
	network := stacksim.NewNetwork()
	const n = eventloop.DefaultQueueSize*2 + 88
	for i := 0; i < n; i++ {
		svc := ups(fmt.Sprintf("ups-%03d", i), "EATON", byte(i%250+1))
		network.Publish(svc)
	}
	st := stacksim.New(network)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := newScanner(st, discovery.ScanFilter{}).Scan(ctx, "_https._tcp")
	require.NoError(t, err)
	require.Len(t, results, n)
	require.Equal(t, 0, st.OpenResolvers())
}

// TestScanContextCancel verifies a scan that never completes returns once
// its context ends.
func TestScanContextCancel(t *testing.T) {
	network := stacksim.NewNetwork()
	network.Publish(ups("ups-1", "EATON", 10))
	st := stacksim.New(network)
	st.SetFaults(stacksim.Faults{NoAllForNow: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := newScanner(st, discovery.ScanFilter{}).Scan(ctx, "_https._tcp")
	require.ErrorIs(t, err, discovery.ErrDiscovery)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, results)
	require.Equal(t, 0, st.OpenPolls())
}

// TestScanConcurrentCallsSerialize verifies concurrent scans on one
// scanner each return the complete result set.
func TestScanConcurrentCallsSerialize(t *testing.T) {
	network := stacksim.NewNetwork()
	for i := byte(1); i <= 5; i++ {
		network.Publish(ups(fmt.Sprintf("ups-%d", i), "EATON", i))
	}
	st := stacksim.New(network)
	scanner := newScanner(st, discovery.ScanFilter{})

	var wg sync.WaitGroup
	counts := make([]int, 4)
	errs := make([]error, 4)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results, err := scanner.Scan(context.Background(), "_https._tcp")
			counts[i] = len(results)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := range counts {
		require.NoError(t, errs[i])
		require.Equal(t, 5, counts[i], "scan %d", i)
	}
	require.Equal(t, 0, st.OpenPolls())
}

// TestScanDoesNotDisturbAdvertiser verifies a failing scan leaves the
// shared context untouched.
func TestScanDoesNotDisturbAdvertiser(t *testing.T) {
	network := stacksim.NewNetwork()
	st := stacksim.New(network)
	adv := newStartedAdvertiser(t, st, discovery.AdvertiserConfig{})
	require.NoError(t, adv.Announce(context.Background()))
	pumpUntil(t, adv.Pump, func() bool { return network.Len() == 1 })

	st.SetFaults(stacksim.Faults{BrowseFailure: true})
	_, err := newScanner(st, discovery.ScanFilter{}).Scan(context.Background(), "_https._tcp")
	require.ErrorIs(t, err, discovery.ErrDiscovery)

	require.Equal(t, 1, st.OpenPolls())
	require.Equal(t, 1, network.Len())
	require.NoError(t, adv.Pump())
}

// TestScanFindsAdvertisedService verifies a scanner on another stack sees
// this process's announcement.
func TestScanFindsAdvertisedService(t *testing.T) {
	network := stacksim.NewNetwork()
	adv := newStartedAdvertiser(t, stacksim.New(network), discovery.AdvertiserConfig{})
	adv.SetTxtRecords(discovery.TXTRecordMap{"type": "ups", "manufacturer": "EATON"})
	require.NoError(t, adv.Announce(context.Background()))
	pumpUntil(t, adv.Pump, func() bool { return network.Len() == 1 })

	scanner := newScanner(stacksim.New(network), discovery.ScanFilter{SubTypes: []string{"ups"}})
	results, err := scanner.Scan(context.Background(), discovery.DefaultScanType)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, discovery.DefaultServiceName, results[0].Instance.Name)
}
