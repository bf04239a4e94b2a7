package zcstack

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/netdisco/mdnssd-go/pkg/discovery"
)

// browser runs one zeroconf browse for the lifetime of the subscription.
type browser struct {
	client      *client
	serviceType string
	onEvent     func(discovery.BrowseEvent)
	cancel      context.CancelFunc

	mu     sync.Mutex
	closed bool
	seen   map[string]struct{}
}

func (c *client) NewBrowser(serviceType string, onEvent func(discovery.BrowseEvent)) (discovery.Browser, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("zcstack: client closed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &browser{
		client:      c,
		serviceType: browseType(serviceType),
		onEvent:     onEvent,
		cancel:      cancel,
		seen:        make(map[string]struct{}),
	}
	c.browsers = append(c.browsers, b)
	c.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go b.collect(ctx, entries, removed)

	go func() {
		err := zeroconf.Browse(ctx, browseService(serviceType), discovery.Domain, entries, removed, c.stack.browseOptions()...)
		if err != nil && ctx.Err() == nil {
			c.stack.logger.Error("zcstack: browse failed", "type", serviceType, "error", err)
			b.post(discovery.BrowseEvent{Kind: discovery.BrowseFailure, Err: err})
		}
	}()

	return b, nil
}

// collect turns zeroconf entries into browse events. AllForNow is posted
// once the browse window has passed.
func (b *browser) collect(ctx context.Context, entries, removed chan *zeroconf.ServiceEntry) {
	window := time.NewTimer(b.client.stack.config.BrowseWindow)
	defer window.Stop()

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			b.added(e)

		case e, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			b.removed(e)

		case <-window.C:
			b.post(discovery.BrowseEvent{Kind: discovery.BrowseAllForNow})

		case <-ctx.Done():
			return
		}
	}
}

func (b *browser) added(e *zeroconf.ServiceEntry) {
	b.client.cacheEntry(b.serviceType, e)

	key := strings.ToLower(e.Instance)
	b.mu.Lock()
	_, known := b.seen[key]
	b.seen[key] = struct{}{}
	b.mu.Unlock()
	if known {
		return
	}

	b.post(discovery.BrowseEvent{Kind: discovery.BrowseNew, Instance: b.instance(e)})
}

func (b *browser) removed(e *zeroconf.ServiceEntry) {
	key := strings.ToLower(e.Instance)
	b.mu.Lock()
	_, known := b.seen[key]
	delete(b.seen, key)
	b.mu.Unlock()
	if !known {
		return
	}

	b.client.forget(b.serviceType, e.Instance)
	b.post(discovery.BrowseEvent{Kind: discovery.BrowseRemove, Instance: b.instance(e)})
}

func (b *browser) instance(e *zeroconf.ServiceEntry) discovery.Instance {
	proto := discovery.ProtocolIPv4
	if len(e.AddrIPv4) == 0 && len(e.AddrIPv6) > 0 {
		proto = discovery.ProtocolIPv6
	}
	return discovery.Instance{
		Protocol: proto,
		Name:     e.Instance,
		Type:     b.serviceType,
		Domain:   discovery.Domain,
	}
}

func (b *browser) post(ev discovery.BrowseEvent) {
	b.client.loop.Post(func() {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			b.onEvent(ev)
		}
	})
}

func (b *browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.cancel()
	}
	return nil
}
