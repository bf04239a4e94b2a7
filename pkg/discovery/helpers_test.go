package discovery_test

import (
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netdisco/mdnssd-go/internal/stacksim"
	"github.com/netdisco/mdnssd-go/pkg/discovery"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newStartedAdvertiser(t *testing.T, st *stacksim.Stack, config discovery.AdvertiserConfig) *discovery.Advertiser {
	t.Helper()
	if config.Logger == nil {
		config.Logger = quietLogger()
	}
	adv := discovery.NewAdvertiser(st, config)
	require.NoError(t, adv.Start())
	t.Cleanup(adv.Stop)
	return adv
}

// pumpUntil pumps until cond holds or the attempt budget is spent.
func pumpUntil(t *testing.T, pump func() error, cond func() bool) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if cond() {
			return
		}
		require.NoError(t, pump())
	}
	if !cond() {
		t.Fatal("condition not reached")
	}
}

func ups(name, manufacturer string, last byte) stacksim.Service {
	return stacksim.Service{
		Name:     name,
		Type:     "_https._tcp",
		Hostname: name + ".local",
		Address:  net.IPv4(192, 168, 1, last),
		Port:     443,
		TXT:      []string{"type=ups", "manufacturer=" + manufacturer},
	}
}
