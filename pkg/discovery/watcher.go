package discovery

import (
	"fmt"
	"log/slog"

	"github.com/netdisco/mdnssd-go/pkg/log"
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Logger receives operational log output. Nil means slog.Default().
	Logger *slog.Logger

	// Tracer receives discovery trace events. Nil disables tracing.
	Tracer log.Logger

	// Filter is the initial filter.
	Filter ScanFilter

	// QueueCapacity bounds the discovery queue.
	// Default: DefaultQueueCapacity.
	QueueCapacity int
}

// Watcher browses continuously on the advertiser's shared context and
// queues every filtered, resolved instance.
//
// The Watcher starts no goroutines. Callbacks are delivered while the
// owner calls Pump (or the advertiser's Pump). The queue may be drained
// concurrently from another goroutine.
type Watcher struct {
	adv    *Advertiser
	logger *slog.Logger
	trace  *tracer
	queue  chan ResolvedService

	// Guarded by the advertiser's mutex.
	filter      ScanFilter
	browser     Browser
	serviceType string
	resolvers   map[string]Resolver
}

// NewWatcher creates a watcher bound to adv. The advertiser must be
// started before StartWatching. Stopping the advertiser ends the
// subscription; call StartWatching again after the next Start.
func NewWatcher(adv *Advertiser, config WatcherConfig) *Watcher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := config.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	w := &Watcher{
		adv:       adv,
		logger:    logger,
		trace:     newTracer(config.Tracer, log.ComponentWatcher),
		queue:     make(chan ResolvedService, capacity),
		filter:    config.Filter.clone(),
		resolvers: make(map[string]Resolver),
	}
	adv.onStop(w.stopLocked)
	return w
}

// SetFilter replaces the filter applied to later discoveries.
func (w *Watcher) SetFilter(f ScanFilter) {
	w.adv.locked(func() {
		w.filter = f.clone()
	})
}

// StartWatching subscribes to serviceType on the shared client, replacing
// any previous subscription.
func (w *Watcher) StartWatching(serviceType string) error {
	return w.adv.withClient(func(c Client) error {
		w.stopLocked()

		w.trace.begin()
		browser, err := c.NewBrowser(serviceType, w.onBrowse)
		if err != nil {
			w.logger.Error("Watcher: failed to create browser", "type", serviceType, "error", err)
			w.trace.failure(serviceType, "", err)
			return fmt.Errorf("%w: browse %s: %w", ErrDiscovery, serviceType, err)
		}

		w.browser = browser
		w.serviceType = serviceType
		w.logger.Info("Watcher: watching", "type", serviceType)
		w.trace.state(serviceType, "", "WATCHING")
		return nil
	})
}

// StopWatching ends the subscription. Queued discoveries are kept.
func (w *Watcher) StopWatching() {
	w.adv.locked(w.stopLocked)
}

// Watching reports whether a subscription is active.
func (w *Watcher) Watching() bool {
	var active bool
	w.adv.locked(func() {
		active = w.browser != nil
	})
	return active
}

func (w *Watcher) stopLocked() {
	for name, r := range w.resolvers {
		r.Close()
		delete(w.resolvers, name)
	}
	if w.browser != nil {
		w.browser.Close()
		w.browser = nil
		w.logger.Debug("Watcher: stopped", "type", w.serviceType)
		w.trace.state(w.serviceType, "", "STOPPED")
	}
}

// Pump delivers pending callbacks of the shared context. It blocks at most
// PumpTimeout.
func (w *Watcher) Pump() error {
	return w.adv.Pump()
}

// QueueDepth returns the number of queued discoveries.
func (w *Watcher) QueueDepth() int {
	return len(w.queue)
}

// DequeueOldest removes and returns the oldest queued discovery.
// It reports false when the queue is empty.
func (w *Watcher) DequeueOldest() (ResolvedService, bool) {
	select {
	case svc := <-w.queue:
		return svc, true
	default:
		return ResolvedService{}, false
	}
}

// Discoveries returns the queue for consumers that prefer to range over it.
// The channel is never closed.
func (w *Watcher) Discoveries() <-chan ResolvedService {
	return w.queue
}

func (w *Watcher) onBrowse(ev BrowseEvent) {
	w.trace.browse(ev)

	switch ev.Kind {
	case BrowseNew:
		key := resolverKey(ev.Instance)
		if _, busy := w.resolvers[key]; busy {
			return
		}
		r, err := w.adv.client.NewResolver(ev.Instance, w.onResolve)
		if err != nil {
			w.logger.Warn("Watcher: failed to create resolver", "name", ev.Instance.Name, "error", err)
			w.trace.failure(ev.Instance.Type, ev.Instance.Name, err)
			return
		}
		w.resolvers[key] = r

	case BrowseRemove:
		w.logger.Debug("Watcher: instance removed", "name", ev.Instance.Name)

	case BrowseFailure:
		w.logger.Error("Watcher: browser failure", "type", w.serviceType, "error", ev.Err)
		w.trace.failure(w.serviceType, "", ev.Err)
	}
}

func (w *Watcher) onResolve(ev ResolveEvent) {
	key := resolverKey(ev.Instance)
	if r, ok := w.resolvers[key]; ok {
		r.Close()
		delete(w.resolvers, key)
	}

	if ev.Kind != ResolveFound {
		w.logger.Warn("Watcher: failed to resolve instance", "name", ev.Instance.Name, "error", ev.Err)
		w.trace.failure(ev.Instance.Type, ev.Instance.Name, ev.Err)
		return
	}

	svc := NewResolvedService(ev)
	w.trace.resolved(svc)
	if w.filter.IsExcluded(svc.TXT) {
		w.logger.Debug("Watcher: instance filtered", "name", svc.Instance.Name)
		w.trace.filtered(svc)
		return
	}
	w.enqueue(svc)
}

// enqueue appends svc, dropping the oldest entry when the queue is full.
func (w *Watcher) enqueue(svc ResolvedService) {
	for {
		select {
		case w.queue <- svc:
			w.logger.Info("Watcher: new service",
				"name", svc.Instance.Name,
				"address", svc.Address,
				"port", svc.Port)
			w.trace.result(svc.Instance.Type, svc.Instance.Name, "queued")
			return
		default:
		}
		select {
		case old := <-w.queue:
			w.logger.Warn("Watcher: queue full, dropping oldest discovery", "name", old.Instance.Name)
		default:
		}
	}
}

func resolverKey(inst Instance) string {
	return fmt.Sprintf("%d/%s/%s/%s", inst.Interface, inst.Protocol, inst.Name, inst.Type)
}
