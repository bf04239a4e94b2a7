// Package zcstack implements discovery.Stack on top of the pure-Go
// zeroconf responder and browser.
//
// zeroconf has no daemon: a client is running as soon as it exists, a
// group is a set of zeroconf servers, and browse results are cached per
// client so resolvers can answer from them. Every callback is posted to the
// poll context's event loop.
package zcstack

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/netdisco/mdnssd-go/pkg/discovery"
	"github.com/netdisco/mdnssd-go/pkg/eventloop"
)

// Config configures the zeroconf stack.
type Config struct {
	// Interface restricts announcements and browsing to one interface.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration

	// BrowseWindow is how long a browser collects answers before it
	// reports AllForNow.
	// Default: 3 seconds.
	BrowseWindow time.Duration

	// ProbeTimeout is how long AddService browses for an instance with the
	// same name before accepting it. Zero disables probing.
	ProbeTimeout time.Duration

	// Logger receives operational log output. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default stack configuration.
func DefaultConfig() Config {
	return Config{
		TTL:          120 * time.Second,
		BrowseWindow: 3 * time.Second,
	}
}

// Stack is a discovery.Stack backed by zeroconf.
type Stack struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	names map[string]*group // registered instance names held by this process
}

// New creates a zeroconf stack.
func New(config Config) *Stack {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.BrowseWindow <= 0 {
		config.BrowseWindow = DefaultConfig().BrowseWindow
	}
	return &Stack{
		config: config,
		logger: logger,
		names:  make(map[string]*group),
	}
}

// NewPoll creates a poll context backed by an event loop.
func (s *Stack) NewPoll() (discovery.Poll, error) {
	return &poll{stack: s, loop: eventloop.New()}, nil
}

// AlternativeServiceName implements discovery.Stack.
func (s *Stack) AlternativeServiceName(name string) string {
	return AlternativeServiceName(name)
}

// AlternativeServiceName turns "name" into "name #2" and "name #N" into
// "name #N+1".
func AlternativeServiceName(name string) string {
	if i := strings.LastIndex(name, " #"); i >= 0 {
		if n, err := strconv.Atoi(name[i+2:]); err == nil && n > 0 {
			return name[:i] + " #" + strconv.Itoa(n+1)
		}
	}
	alt := name + " #2"
	if len(alt) > discovery.MaxInstanceNameLen {
		alt = name[:discovery.MaxInstanceNameLen-3] + " #2"
	}
	return alt
}

// claim records name as held by g. It fails when another group holds it.
func (s *Stack) claim(g *group, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.names[key]; ok && owner != g {
		return false
	}
	s.names[key] = g
	return true
}

func (s *Stack) heldByOther(g *group, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.names[key]
	return ok && owner != g
}

func (s *Stack) release(g *group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, owner := range s.names {
		if owner == g {
			delete(s.names, k)
		}
	}
}

// interfaces returns the configured interface, or nil for all.
func (s *Stack) interfaces() []net.Interface {
	if s.config.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(s.config.Interface)
	if err != nil {
		s.logger.Warn("zcstack: interface not found, using all interfaces",
			"interface", s.config.Interface,
			"error", err)
		return nil
	}
	return []net.Interface{*iface}
}

func (s *Stack) browseOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if ifaces := s.interfaces(); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}
	return opts
}

func (s *Stack) serverOptions() []zeroconf.ServerOption {
	var opts []zeroconf.ServerOption
	if s.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(s.config.TTL.Seconds())))
	}
	return opts
}

func nameKey(name, serviceType string) string {
	return strings.ToLower(name) + "/" + strings.ToLower(normalizeType(serviceType))
}

type poll struct {
	stack *Stack
	loop  *eventloop.Loop
}

func (p *poll) NewClient(onState func(discovery.Client, discovery.ClientState)) (discovery.Client, error) {
	c := &client{
		stack:   p.stack,
		loop:    p.loop,
		onState: onState,
		cache:   make(map[string]*entry),
	}
	c.post(discovery.ClientConnecting)
	c.post(discovery.ClientRunning)
	return c, nil
}

func (p *poll) Iterate(timeout time.Duration) error { return p.loop.Iterate(timeout) }
func (p *poll) Run() error                          { return p.loop.Run() }
func (p *poll) Quit()                               { p.loop.Quit() }
func (p *poll) Close() error                        { return p.loop.Close() }

// entry is a browse result kept for resolvers.
type entry struct {
	serviceType string
	record      *zeroconf.ServiceEntry
}

type client struct {
	stack   *Stack
	loop    *eventloop.Loop
	onState func(discovery.Client, discovery.ClientState)

	mu       sync.Mutex
	state    discovery.ClientState
	closed   bool
	cache    map[string]*entry
	groups   []*group
	browsers []*browser
}

func (c *client) post(state discovery.ClientState) {
	c.loop.Post(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = state
		c.mu.Unlock()
		if c.onState != nil {
			c.onState(c, state)
		}
	})
}

func (c *client) State() discovery.ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *client) NewGroup(onState func(discovery.Group, discovery.GroupState)) (discovery.Group, error) {
	g := &group{client: c, onState: onState}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("zcstack: client closed")
	}
	c.groups = append(c.groups, g)
	return g, nil
}

func (c *client) NewResolver(inst discovery.Instance, onEvent func(discovery.ResolveEvent)) (discovery.Resolver, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("zcstack: client closed")
	}
	r := &resolver{}
	c.loop.Post(func() {
		if r.isClosed() {
			return
		}
		onEvent(c.resolve(inst))
	})
	return r, nil
}

// resolve answers from the browse cache.
func (c *client) resolve(inst discovery.Instance) discovery.ResolveEvent {
	c.mu.Lock()
	e, ok := c.cache[nameKey(inst.Name, inst.Type)]
	c.mu.Unlock()

	if !ok {
		return discovery.ResolveEvent{
			Kind:     discovery.ResolveFailure,
			Instance: inst,
			Err:      fmt.Errorf("zcstack: %q is not in the browse cache", inst.Name),
		}
	}

	addr := pickAddress(e.record, inst.Protocol)
	if addr == nil {
		return discovery.ResolveEvent{
			Kind:     discovery.ResolveFailure,
			Instance: inst,
			Err:      fmt.Errorf("zcstack: %q has no address", inst.Name),
		}
	}

	return discovery.ResolveEvent{
		Kind:     discovery.ResolveFound,
		Instance: inst,
		Hostname: strings.TrimSuffix(e.record.HostName, "."),
		Address:  addr,
		Port:     uint16(e.record.Port),
		TXT:      append([]string(nil), e.record.Text...),
	}
}

func (c *client) cacheEntry(serviceType string, rec *zeroconf.ServiceEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[nameKey(rec.Instance, serviceType)] = &entry{serviceType: serviceType, record: rec}
}

func (c *client) forget(serviceType, instance string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, nameKey(instance, serviceType))
}

func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	groups := c.groups
	browsers := c.browsers
	c.groups = nil
	c.browsers = nil
	c.mu.Unlock()

	for _, g := range groups {
		g.Close()
	}
	for _, b := range browsers {
		b.Close()
	}
	return nil
}

type resolver struct {
	mu     sync.Mutex
	closed bool
}

func (r *resolver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// pickAddress prefers the instance's address family.
func pickAddress(rec *zeroconf.ServiceEntry, proto discovery.Protocol) net.IP {
	if proto != discovery.ProtocolIPv6 && len(rec.AddrIPv4) > 0 {
		return rec.AddrIPv4[0]
	}
	if len(rec.AddrIPv6) > 0 {
		return rec.AddrIPv6[0]
	}
	if len(rec.AddrIPv4) > 0 {
		return rec.AddrIPv4[0]
	}
	return nil
}
