// Package agent ties the advertiser, scanner and watcher into the discovery
// agent: announce this host's service, answer scan requests and publish
// services that appear on the network.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netdisco/mdnssd-go/pkg/discovery"
	"github.com/netdisco/mdnssd-go/pkg/log"
)

// InfoAttempts is how many times the default announcement asks the
// InfoSource before announcing with what it has.
const InfoAttempts = 3

// DefaultInfoRetryDelay is the wait between InfoSource attempts.
const DefaultInfoRetryDelay = time.Second

// Parameters select what the agent does.
type Parameters struct {
	// ScanOnly runs one scan and exits.
	ScanOnly bool

	// ScanDaemonActive answers scan requests while running as a daemon.
	ScanDaemonActive bool

	// ScanAuto watches continuously for new services.
	ScanAuto bool

	// ScanStdOut writes scan results to Stdout.
	ScanStdOut bool

	// ScanNoPublishBus disables publishing scan results.
	ScanNoPublishBus bool

	ScanType     string
	ScanFilter   discovery.ScanFilter
	ScanTimeout  time.Duration
	ScanTopic    string
	NewScanTopic string

	// AnnounceDelay is how long the daemon waits before the default
	// announcement.
	AnnounceDelay time.Duration
}

// Config wires the manager's collaborators.
type Config struct {
	// Logger receives operational log output. Nil means slog.Default().
	Logger *slog.Logger

	// Tracer receives discovery trace events. Nil disables tracing.
	Tracer log.Logger

	// Publisher receives scan results. Nil disables publishing.
	Publisher Publisher

	// Info supplies the default announcement. Nil keeps the definition set
	// with SetDefinition.
	Info InfoSource

	// Stdout receives scan results when Parameters.ScanStdOut is set.
	Stdout io.Writer

	// QueueCapacity bounds the watcher queue.
	QueueCapacity int

	// InfoRetryDelay is the wait between InfoSource attempts.
	// Default: DefaultInfoRetryDelay.
	InfoRetryDelay time.Duration
}

// Manager runs the discovery agent.
type Manager struct {
	params    Parameters
	logger    *slog.Logger
	publisher Publisher
	info      InfoSource
	infoRetry time.Duration
	stdout    io.Writer

	adv     *discovery.Advertiser
	scanner *discovery.Scanner
	watcher *discovery.Watcher

	mu   sync.Mutex
	desc discovery.ServiceDescriptor
	txt  discovery.TXTRecordMap
}

// NewManager creates a manager on stack. The default TXT set holds a nil
// "uuid" record until real information arrives.
func NewManager(stack discovery.Stack, params Parameters, config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if params.ScanType == "" {
		params.ScanType = discovery.DefaultScanType
	}
	infoRetry := config.InfoRetryDelay
	if infoRetry <= 0 {
		infoRetry = DefaultInfoRetryDelay
	}

	adv := discovery.NewAdvertiser(stack, discovery.AdvertiserConfig{
		Logger: logger,
		Tracer: config.Tracer,
	})

	return &Manager{
		params:    params,
		logger:    logger,
		publisher: config.Publisher,
		info:      config.Info,
		infoRetry: infoRetry,
		stdout:    config.Stdout,
		adv:       adv,
		scanner: discovery.NewScanner(stack, discovery.ScannerConfig{
			Logger: logger,
			Tracer: config.Tracer,
			Filter: params.ScanFilter,
		}),
		watcher: discovery.NewWatcher(adv, discovery.WatcherConfig{
			Logger:        logger,
			Tracer:        config.Tracer,
			Filter:        params.ScanFilter,
			QueueCapacity: config.QueueCapacity,
		}),
		desc: discovery.DefaultServiceDescriptor(),
		txt:  discovery.TXTRecordMap{discovery.TXTKeyUUID: uuid.Nil.String()},
	}
}

// Advertiser returns the manager's advertiser.
func (m *Manager) Advertiser() *discovery.Advertiser { return m.adv }

// Watcher returns the manager's watcher.
func (m *Manager) Watcher() *discovery.Watcher { return m.watcher }

// Init starts the advertiser and, with ScanAuto, the watcher.
func (m *Manager) Init() error {
	if err := m.adv.Start(); err != nil {
		return err
	}
	if m.params.ScanAuto {
		if err := m.watcher.StartWatching(m.params.ScanType); err != nil {
			return err
		}
	}
	return nil
}

// SetDefinition sets the service announced by DoAnnounce.
func (m *Manager) SetDefinition(desc discovery.ServiceDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.desc = desc
}

// SetTxtRecord sets one default TXT record.
func (m *Manager) SetTxtRecord(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txt[key] = value
}

// SetTxtRecords replaces the default TXT records.
func (m *Manager) SetTxtRecords(txt discovery.TXTRecordMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txt = txt.Clone()
}

// Definition returns the current default descriptor and TXT records.
func (m *Manager) Definition() (discovery.ServiceDescriptor, discovery.TXTRecordMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc, m.txt.Clone()
}

// SetFilter replaces the scan and watch filter.
func (m *Manager) SetFilter(f discovery.ScanFilter) {
	m.scanner.SetFilter(f)
	m.watcher.SetFilter(f)
}

// DoDefaultAnnounce asks the InfoSource for the service description, then
// announces. When every attempt fails the current definition is announced.
// Attempts are spaced by the info retry delay; cancelling ctx ends the
// wait and returns ctx's error.
func (m *Manager) DoDefaultAnnounce(ctx context.Context) error {
	if m.info != nil {
		if err := m.pollInfo(ctx); err != nil {
			m.logger.Error("Manager: no service information, announcing defaults", "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.DoAnnounce(ctx)
}

func (m *Manager) pollInfo(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= InfoAttempts; attempt++ {
		desc, txt, err := m.info.Info(ctx)
		if err == nil {
			m.SetDefinition(desc)
			m.SetTxtRecords(txt)
			return nil
		}
		lastErr = err
		m.logger.Warn("Manager: info request failed", "attempt", attempt, "error", err)
		if attempt == InfoAttempts {
			break
		}
		timer := time.NewTimer(m.infoRetry)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("info unavailable after %d attempts: %w", attempt, ctx.Err())
		}
	}
	return fmt.Errorf("info unavailable after %d attempts: %w", InfoAttempts, lastErr)
}

// DoDefaultAnnounceAfter runs DoDefaultAnnounce after delay in a goroutine.
// The returned channel receives its result, or ctx's error if ctx ends
// first.
func (m *Manager) DoDefaultAnnounceAfter(ctx context.Context, delay time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			done <- m.DoDefaultAnnounce(ctx)
		case <-ctx.Done():
			done <- ctx.Err()
		}
	}()
	return done
}

// DoAnnounce announces the current definition and TXT records.
func (m *Manager) DoAnnounce(ctx context.Context) error {
	desc, txt := m.Definition()
	m.adv.SetDefinition(desc, txt)
	if err := m.adv.Announce(ctx); err != nil {
		return err
	}
	m.logger.Info("Manager: service announced", "name", m.adv.ServiceName(), "type", desc.Type)
	return nil
}

// HandleInfo applies updated service information to the running
// announcement.
func (m *Manager) HandleInfo(desc discovery.ServiceDescriptor, txt discovery.TXTRecordMap) error {
	m.SetDefinition(desc)
	m.SetTxtRecords(txt)
	m.adv.SetTxtRecords(txt)
	return m.adv.Update()
}

// DoScan scans ScanType, publishes the results on ScanTopic unless
// disabled, and writes them to Stdout when requested.
func (m *Manager) DoScan(ctx context.Context) ([]discovery.ResolvedService, error) {
	if m.params.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.params.ScanTimeout)
		defer cancel()
	}

	results, err := m.scanner.Scan(ctx, m.params.ScanType)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Manager: scan finished", "type", m.params.ScanType, "services", len(results))

	if !m.params.ScanNoPublishBus {
		m.publish(m.params.ScanTopic, results)
	}
	if m.params.ScanStdOut && m.stdout != nil {
		if err := WriteServices(m.stdout, results); err != nil {
			m.logger.Warn("Manager: failed to write scan results", "error", err)
		}
	}
	return results, nil
}

// PublishNewServices drains the watcher queue and publishes what it held on
// NewScanTopic. It returns the number of services drained.
func (m *Manager) PublishNewServices() int {
	var found []discovery.ResolvedService
	for {
		svc, ok := m.watcher.DequeueOldest()
		if !ok {
			break
		}
		found = append(found, svc)
	}
	if len(found) == 0 {
		return 0
	}
	if !m.params.ScanNoPublishBus {
		m.publish(m.params.NewScanTopic, found)
	}
	if m.params.ScanStdOut && m.stdout != nil {
		WriteServices(m.stdout, found)
	}
	return len(found)
}

func (m *Manager) publish(topic string, services []discovery.ResolvedService) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(topic, discovery.NewServiceMappings(services)); err != nil {
		m.logger.Error("Manager: publish failed", "topic", topic, "error", err)
	}
}

// Run pumps the shared context and publishes new services until ctx is
// done, then stops the advertiser. Init must have succeeded.
func (m *Manager) Run(ctx context.Context) error {
	if !m.adv.State().Started {
		return discovery.ErrNotStarted
	}
	defer m.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := m.watcher.Pump(); err != nil {
			return fmt.Errorf("pump: %w", err)
		}
		m.PublishNewServices()
	}
}

// Stop withdraws the announcement and releases the stack.
func (m *Manager) Stop() {
	m.watcher.StopWatching()
	m.adv.Stop()
}
