package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/netdisco/mdnssd-go/pkg/log"
)

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	// Logger receives operational log output. Nil means slog.Default().
	Logger *slog.Logger

	// Tracer receives discovery trace events. Nil disables tracing.
	Tracer log.Logger

	// Filter is the initial scan filter.
	Filter ScanFilter
}

// Scanner runs one-shot browse and resolve passes on a dedicated poll
// context per call, so a failing scan never touches the advertisement.
type Scanner struct {
	stack  Stack
	logger *slog.Logger
	trace  *tracer

	mu     sync.Mutex
	filter ScanFilter
}

// NewScanner creates a scanner.
func NewScanner(stack Stack, config ScannerConfig) *Scanner {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		stack:  stack,
		logger: logger,
		trace:  newTracer(config.Tracer, log.ComponentScanner),
		filter: config.Filter.clone(),
	}
}

// SetFilter replaces the filter applied by later scans.
func (s *Scanner) SetFilter(f ScanFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f.clone()
}

// scanSession tracks one scan. It is only touched from callbacks running
// inside the scan's poll context.
type scanSession struct {
	poll      Poll
	client    Client
	filter    ScanFilter
	resolvers []Resolver

	pending      int
	browsingDone bool
	failure      error
	results      []ResolvedService
}

// finished reports whether the scan can end.
func (ss *scanSession) finished() bool {
	return ss.failure != nil || (ss.browsingDone && ss.pending == 0)
}

// Scan browses serviceType, resolves every instance found and returns the
// instances the filter keeps, in resolution order. Scans on one Scanner
// run one at a time.
//
// Failing to allocate the poll context or client returns ErrInitialization.
// Any browse failure, or any failure to start a resolve, fails the whole
// scan with ErrDiscovery and no partial results. A single instance that
// does not resolve is skipped. Cancelling ctx aborts the scan.
func (s *Scanner) Scan(ctx context.Context, serviceType string) ([]ResolvedService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trace.begin()
	s.logger.Debug("Scanner: scan started", "type", serviceType)
	s.trace.state(serviceType, "", "STARTED")

	poll, err := s.stack.NewPoll()
	if err != nil {
		return nil, s.abort(serviceType, fmt.Errorf("%w: poll context: %w", ErrInitialization, err))
	}
	defer poll.Close()

	client, err := poll.NewClient(nil)
	if err != nil {
		return nil, s.abort(serviceType, fmt.Errorf("%w: client: %w", ErrInitialization, err))
	}
	defer client.Close()

	ss := &scanSession{poll: poll, client: client, filter: s.filter}
	defer func() {
		for _, r := range ss.resolvers {
			r.Close()
		}
	}()

	browser, err := client.NewBrowser(serviceType, func(ev BrowseEvent) {
		s.onBrowse(ss, ev)
	})
	if err != nil {
		return nil, s.abort(serviceType, fmt.Errorf("%w: browse %s: %w", ErrDiscovery, serviceType, err))
	}
	defer browser.Close()

	stop := context.AfterFunc(ctx, poll.Quit)
	defer stop()

	if err := poll.Run(); err != nil {
		return nil, s.abort(serviceType, fmt.Errorf("%w: %w", ErrDiscovery, err))
	}

	if err := ctx.Err(); err != nil && !ss.finished() {
		return nil, s.abort(serviceType, fmt.Errorf("%w: %w", ErrDiscovery, err))
	}
	if ss.failure != nil {
		return nil, s.abort(serviceType, ss.failure)
	}

	s.logger.Debug("Scanner: scan finished", "type", serviceType, "results", len(ss.results))
	s.trace.result(serviceType, "", strconv.Itoa(len(ss.results))+" results")
	return ss.results, nil
}

func (s *Scanner) abort(serviceType string, err error) error {
	s.logger.Error("Scanner: scan failed", "type", serviceType, "error", err)
	s.trace.failure(serviceType, "", err)
	return err
}

func (s *Scanner) onBrowse(ss *scanSession, ev BrowseEvent) {
	s.trace.browse(ev)

	switch ev.Kind {
	case BrowseNew:
		s.logger.Debug("Scanner: instance found", "name", ev.Instance.Name, "type", ev.Instance.Type)
		r, err := ss.client.NewResolver(ev.Instance, func(rev ResolveEvent) {
			s.onResolve(ss, rev)
		})
		if err != nil {
			ss.failure = fmt.Errorf("%w: resolve %q: %w", ErrDiscovery, ev.Instance.Name, err)
			break
		}
		ss.resolvers = append(ss.resolvers, r)
		ss.pending++

	case BrowseRemove:
		s.logger.Debug("Scanner: instance removed", "name", ev.Instance.Name)

	case BrowseCacheExhausted, BrowseAllForNow:
		ss.browsingDone = true

	case BrowseFailure:
		ss.failure = fmt.Errorf("%w: browser: %w", ErrDiscovery, ev.Err)
	}

	if ss.finished() {
		ss.poll.Quit()
	}
}

func (s *Scanner) onResolve(ss *scanSession, ev ResolveEvent) {
	ss.pending--

	switch ev.Kind {
	case ResolveFound:
		svc := NewResolvedService(ev)
		s.trace.resolved(svc)
		if ss.filter.IsExcluded(svc.TXT) {
			s.logger.Debug("Scanner: instance filtered", "name", svc.Instance.Name)
			s.trace.filtered(svc)
		} else {
			ss.results = append(ss.results, svc)
		}

	case ResolveFailure:
		s.logger.Warn("Scanner: failed to resolve instance", "name", ev.Instance.Name, "error", ev.Err)
		s.trace.failure(ev.Instance.Type, ev.Instance.Name, ev.Err)
	}

	if ss.finished() {
		ss.poll.Quit()
	}
}
