package stacksim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netdisco/mdnssd-go/pkg/discovery"
	"github.com/netdisco/mdnssd-go/pkg/eventloop"
)

// ErrInjected is the error returned by creation steps made to fail.
var ErrInjected = errors.New("stacksim: injected failure")

// Faults selects which steps of the simulated stack fail.
type Faults struct {
	// Creation failures.
	Poll      bool
	Client    bool
	Group     bool
	Browser   bool
	Subtype   bool
	Commit    bool
	UpdateTXT bool

	// BrowseFailure makes every new browser report Failure instead of
	// results.
	BrowseFailure bool

	// NoAllForNow suppresses the end-of-batch events of new browsers.
	NoAllForNow bool

	// ResolverCreate lists instance names for which NewResolver fails.
	ResolverCreate map[string]bool

	// Resolve lists instance names whose resolve reports Failure.
	Resolve map[string]bool

	// CommitCollisions is the number of upcoming commits that end in
	// GroupCollision.
	CommitCollisions int

	// GroupFailure makes commits end in GroupFailure.
	GroupFailure bool

	// ClientStates is the sequence of states delivered to a new client.
	// Empty means [Running].
	ClientStates []discovery.ClientState
}

// Stack is one simulated process on a Network. It implements
// discovery.Stack.
type Stack struct {
	net *Network

	mu        sync.Mutex
	faults    Faults
	polls     int
	clients   map[*client]struct{}
	browsers  int
	resolvers int
	commits   int
}

// New attaches a stack to n.
func New(n *Network) *Stack {
	return &Stack{
		net:     n,
		clients: make(map[*client]struct{}),
	}
}

// Network returns the network the stack is attached to.
func (s *Stack) Network() *Network {
	return s.net
}

// SetFaults replaces the fault configuration.
func (s *Stack) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// OpenPolls returns the number of poll contexts not yet closed.
func (s *Stack) OpenPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// OpenClients returns the number of clients not yet closed.
func (s *Stack) OpenClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// OpenBrowsers returns the number of browsers not yet closed.
func (s *Stack) OpenBrowsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browsers
}

// OpenResolvers returns the number of resolvers not yet closed.
func (s *Stack) OpenResolvers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvers
}

// Commits returns the number of group commits so far.
func (s *Stack) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// SetClientState delivers state to every open client.
func (s *Stack) SetClientState(state discovery.ClientState) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.post(state)
	}
}

// AlternativeServiceName turns "name" into "name (2)" and "name (N)" into
// "name (N+1)".
func (s *Stack) AlternativeServiceName(name string) string {
	if strings.HasSuffix(name, ")") {
		if i := strings.LastIndex(name, " ("); i >= 0 {
			if n, err := strconv.Atoi(name[i+2 : len(name)-1]); err == nil {
				return fmt.Sprintf("%s (%d)", name[:i], n+1)
			}
		}
	}
	return name + " (2)"
}

// NewPoll creates a poll context.
func (s *Stack) NewPoll() (discovery.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Poll {
		return nil, ErrInjected
	}
	s.polls++
	return &poll{stack: s, loop: eventloop.New()}, nil
}

func (s *Stack) snapshot() Faults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

type poll struct {
	stack *Stack
	loop  *eventloop.Loop
	once  sync.Once
}

func (p *poll) NewClient(onState func(discovery.Client, discovery.ClientState)) (discovery.Client, error) {
	f := p.stack.snapshot()
	if f.Client {
		return nil, ErrInjected
	}

	c := &client{
		stack:     p.stack,
		poll:      p,
		onState:   onState,
		groups:    make(map[*group]struct{}),
		browsers:  make(map[*browser]struct{}),
		resolvers: make(map[*resolver]struct{}),
	}

	p.stack.mu.Lock()
	p.stack.clients[c] = struct{}{}
	p.stack.mu.Unlock()

	states := f.ClientStates
	if len(states) == 0 {
		states = []discovery.ClientState{discovery.ClientRunning}
	}
	for _, st := range states {
		c.post(st)
	}
	return c, nil
}

func (p *poll) Iterate(timeout time.Duration) error { return p.loop.Iterate(timeout) }
func (p *poll) Run() error                          { return p.loop.Run() }
func (p *poll) Quit()                               { p.loop.Quit() }

func (p *poll) Close() error {
	p.once.Do(func() {
		p.loop.Close()
		p.stack.mu.Lock()
		p.stack.polls--
		p.stack.mu.Unlock()
	})
	return nil
}

type client struct {
	stack   *Stack
	poll    *poll
	onState func(discovery.Client, discovery.ClientState)

	mu        sync.Mutex
	state     discovery.ClientState
	closed    bool
	groups    map[*group]struct{}
	browsers  map[*browser]struct{}
	resolvers map[*resolver]struct{}
}

// post delivers a state change through the poll context.
func (c *client) post(state discovery.ClientState) {
	c.poll.loop.Post(func() {
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

func (c *client) NewGroup(onState func(discovery.Group, discovery.GroupState)) (discovery.Group, error) {
	if c.stack.snapshot().Group {
		return nil, ErrInjected
	}
	g := &group{client: c, onState: onState}
	c.mu.Lock()
	c.groups[g] = struct{}{}
	c.mu.Unlock()
	return g, nil
}

func (c *client) NewBrowser(serviceType string, onEvent func(discovery.BrowseEvent)) (discovery.Browser, error) {
	f := c.stack.snapshot()
	if f.Browser {
		return nil, ErrInjected
	}

	b := &browser{client: c, serviceType: serviceType, onEvent: onEvent}
	c.mu.Lock()
	c.browsers[b] = struct{}{}
	c.mu.Unlock()

	c.stack.mu.Lock()
	c.stack.browsers++
	c.stack.mu.Unlock()

	if f.BrowseFailure {
		b.post(discovery.BrowseEvent{
			Kind: discovery.BrowseFailure,
			Err:  fmt.Errorf("stacksim: browse %s failed", serviceType),
		})
		return b, nil
	}

	for _, svc := range c.stack.net.addBrowser(b) {
		b.notifyNew(svc)
	}
	if !f.NoAllForNow {
		b.post(discovery.BrowseEvent{Kind: discovery.BrowseCacheExhausted})
		b.post(discovery.BrowseEvent{Kind: discovery.BrowseAllForNow})
	}
	return b, nil
}

func (c *client) NewResolver(inst discovery.Instance, onEvent func(discovery.ResolveEvent)) (discovery.Resolver, error) {
	f := c.stack.snapshot()
	if f.ResolverCreate[inst.Name] {
		return nil, ErrInjected
	}

	r := &resolver{client: c}
	c.mu.Lock()
	c.resolvers[r] = struct{}{}
	c.mu.Unlock()

	c.stack.mu.Lock()
	c.stack.resolvers++
	c.stack.mu.Unlock()

	fail := f.Resolve[inst.Name]
	c.poll.loop.Post(func() {
		if r.isClosed() {
			return
		}
		svc, ok := c.stack.net.Lookup(inst.Name, inst.Type)
		if !ok || fail {
			onEvent(discovery.ResolveEvent{
				Kind:     discovery.ResolveFailure,
				Instance: inst,
				Err:      fmt.Errorf("stacksim: resolve %q timed out", inst.Name),
			})
			return
		}
		onEvent(discovery.ResolveEvent{
			Kind:     discovery.ResolveFound,
			Instance: inst,
			Hostname: svc.Hostname,
			Address:  svc.Address,
			Port:     svc.Port,
			TXT:      svc.TXT,
		})
	})
	return r, nil
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
	resolvers := c.resolvers
	c.groups = map[*group]struct{}{}
	c.browsers = map[*browser]struct{}{}
	c.resolvers = map[*resolver]struct{}{}
	c.mu.Unlock()

	for g := range groups {
		g.Close()
	}
	for b := range browsers {
		b.Close()
	}
	for r := range resolvers {
		r.Close()
	}

	c.stack.mu.Lock()
	delete(c.stack.clients, c)
	c.stack.mu.Unlock()
	return nil
}

type group struct {
	client  *client
	onState func(discovery.Group, discovery.GroupState)

	mu        sync.Mutex
	services  []Service
	committed bool
	closed    bool
}

func (g *group) IsEmpty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.services) == 0
}

func (g *group) AddService(name, serviceType string, port uint16, txt []string) error {
	if g.client.stack.net.taken(g, name, serviceType) {
		return fmt.Errorf("%w: %q", discovery.ErrCollision, name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.services = append(g.services, Service{
		Name:     name,
		Type:     serviceType,
		Hostname: "sim-host.local",
		Address:  []byte{127, 0, 0, 1},
		Port:     port,
		TXT:      append([]string(nil), txt...),
	})
	return nil
}

func (g *group) AddSubtype(name, serviceType, subtype string) error {
	if g.client.stack.snapshot().Subtype {
		return ErrInjected
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.services {
		p := &g.services[i]
		if strings.EqualFold(p.Name, name) && normalizeType(p.Type) == normalizeType(serviceType) {
			p.Subtypes = append(p.Subtypes, subtype)
			return nil
		}
	}
	return fmt.Errorf("stacksim: no service %q in group", name)
}

func (g *group) UpdateTXT(name, serviceType string, txt []string) error {
	if g.client.stack.snapshot().UpdateTXT {
		return ErrInjected
	}
	g.mu.Lock()
	committed := g.committed
	for i := range g.services {
		if strings.EqualFold(g.services[i].Name, name) {
			g.services[i].TXT = append([]string(nil), txt...)
		}
	}
	g.mu.Unlock()
	if !committed {
		return fmt.Errorf("stacksim: group not committed")
	}
	if !g.client.stack.net.updateTXT(g, name, serviceType, txt) {
		return fmt.Errorf("stacksim: service %q not registered", name)
	}
	return nil
}

func (g *group) Commit() error {
	s := g.client.stack
	s.mu.Lock()
	if s.faults.Commit {
		s.mu.Unlock()
		return ErrInjected
	}
	s.commits++
	collide := s.faults.CommitCollisions > 0
	if collide {
		s.faults.CommitCollisions--
	}
	failure := s.faults.GroupFailure
	s.mu.Unlock()

	g.mu.Lock()
	services := make([]Service, len(g.services))
	for i, p := range g.services {
		services[i] = cloneService(p)
	}
	g.committed = true
	g.mu.Unlock()

	g.post(discovery.GroupRegistering)
	switch {
	case collide:
		g.post(discovery.GroupCollision)
		return nil
	case failure:
		g.post(discovery.GroupFailure)
		return nil
	}

	for _, svc := range services {
		if !s.net.claim(g, svc) {
			g.post(discovery.GroupCollision)
			return nil
		}
	}
	g.post(discovery.GroupEstablished)
	return nil
}

func (g *group) Reset() error {
	g.mu.Lock()
	g.services = nil
	g.committed = false
	g.mu.Unlock()
	g.client.stack.net.releaseAll(g)
	return nil
}

func (g *group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.services = nil
	g.committed = false
	g.mu.Unlock()

	g.client.stack.net.releaseAll(g)
	g.client.mu.Lock()
	delete(g.client.groups, g)
	g.client.mu.Unlock()
	return nil
}

func (g *group) post(state discovery.GroupState) {
	g.client.poll.loop.Post(func() {
		g.mu.Lock()
		closed := g.closed
		g.mu.Unlock()
		if closed || g.onState == nil {
			return
		}
		g.onState(g, state)
	})
}

type browser struct {
	client      *client
	serviceType string
	onEvent     func(discovery.BrowseEvent)

	mu     sync.Mutex
	closed bool
}

func (b *browser) notifyNew(svc Service) {
	b.post(discovery.BrowseEvent{Kind: discovery.BrowseNew, Instance: instanceOf(svc)})
}

func (b *browser) notifyRemove(svc Service) {
	b.post(discovery.BrowseEvent{Kind: discovery.BrowseRemove, Instance: instanceOf(svc)})
}

func (b *browser) post(ev discovery.BrowseEvent) {
	b.client.poll.loop.Post(func() {
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
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.client.stack.net.removeBrowser(b)
	b.client.mu.Lock()
	delete(b.client.browsers, b)
	b.client.mu.Unlock()
	b.client.stack.mu.Lock()
	b.client.stack.browsers--
	b.client.stack.mu.Unlock()
	return nil
}

type resolver struct {
	client *client

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
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.client.mu.Lock()
	delete(r.client.resolvers, r)
	r.client.mu.Unlock()
	r.client.stack.mu.Lock()
	r.client.stack.resolvers--
	r.client.stack.mu.Unlock()
	return nil
}

func instanceOf(svc Service) discovery.Instance {
	return discovery.Instance{
		Interface: 1,
		Protocol:  discovery.ProtocolIPv4,
		Name:      svc.Name,
		Type:      svc.Type,
		Domain:    discovery.Domain,
	}
}

var _ discovery.Stack = (*Stack)(nil)
