// Package stacksim is an in-memory discovery stack for tests.
//
// A Network holds the services visible on a simulated link. Each Stack
// attached to it behaves like one process talking to its own daemon: groups
// publish onto the network, browsers see what is published, and every
// callback is delivered through the poll context exactly like the real
// stack does. Fault knobs on the Stack make individual steps fail.
package stacksim

import (
	"net"
	"strings"
	"sync"
)

// Service is one service record on the simulated network.
type Service struct {
	Name     string
	Type     string
	Subtypes []string
	Hostname string
	Address  net.IP
	Port     uint16
	TXT      []string
}

type serviceKey struct {
	name string
	typ  string
}

func keyOf(name, serviceType string) serviceKey {
	return serviceKey{name: strings.ToLower(name), typ: normalizeType(serviceType)}
}

type entry struct {
	svc   Service
	owner *group
}

// Network is a simulated link shared by any number of stacks.
type Network struct {
	mu       sync.Mutex
	services map[serviceKey]*entry
	order    []serviceKey
	browsers map[*browser]struct{}
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		services: make(map[serviceKey]*entry),
		browsers: make(map[*browser]struct{}),
	}
}

// Publish announces a foreign service. Open browsers for its type see it.
func (n *Network) Publish(svc Service) {
	svc = cloneService(svc)
	k := keyOf(svc.Name, svc.Type)

	n.mu.Lock()
	if _, exists := n.services[k]; !exists {
		n.order = append(n.order, k)
	}
	n.services[k] = &entry{svc: svc}
	targets := n.browsersFor(svc)
	n.mu.Unlock()

	for _, b := range targets {
		b.notifyNew(svc)
	}
}

// Unpublish withdraws a service. Open browsers receive a Remove event.
func (n *Network) Unpublish(name, serviceType string) {
	n.mu.Lock()
	e, ok := n.services[keyOf(name, serviceType)]
	if !ok {
		n.mu.Unlock()
		return
	}
	n.removeLocked(keyOf(name, serviceType))
	targets := n.browsersFor(e.svc)
	n.mu.Unlock()

	for _, b := range targets {
		b.notifyRemove(e.svc)
	}
}

// Lookup returns the service registered under name and type.
func (n *Network) Lookup(name, serviceType string) (Service, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.services[keyOf(name, serviceType)]
	if !ok {
		return Service{}, false
	}
	return cloneService(e.svc), true
}

// Services returns every service of the given type in publication order.
func (n *Network) Services(serviceType string) []Service {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Service
	for _, k := range n.order {
		e := n.services[k]
		if matchesType(e.svc, serviceType) {
			out = append(out, cloneService(e.svc))
		}
	}
	return out
}

// Len returns the number of published services.
func (n *Network) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.services)
}

// claim registers svc for owner. It reports false when another owner
// already holds the name.
func (n *Network) claim(owner *group, svc Service) bool {
	k := keyOf(svc.Name, svc.Type)

	n.mu.Lock()
	if e, ok := n.services[k]; ok && e.owner != owner {
		n.mu.Unlock()
		return false
	}
	if _, exists := n.services[k]; !exists {
		n.order = append(n.order, k)
	}
	n.services[k] = &entry{svc: svc, owner: owner}
	targets := n.browsersFor(svc)
	n.mu.Unlock()

	for _, b := range targets {
		b.notifyNew(svc)
	}
	return true
}

// taken reports whether a different owner holds name.
func (n *Network) taken(owner *group, name, serviceType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.services[keyOf(name, serviceType)]
	return ok && e.owner != owner
}

func (n *Network) updateTXT(owner *group, name, serviceType string, txt []string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.services[keyOf(name, serviceType)]
	if !ok || e.owner != owner {
		return false
	}
	e.svc.TXT = append([]string(nil), txt...)
	return true
}

func (n *Network) releaseAll(owner *group) {
	var removed []Service
	var targets [][]*browser

	n.mu.Lock()
	for _, k := range append([]serviceKey(nil), n.order...) {
		e := n.services[k]
		if e.owner != owner {
			continue
		}
		n.removeLocked(k)
		removed = append(removed, e.svc)
		targets = append(targets, n.browsersFor(e.svc))
	}
	n.mu.Unlock()

	for i, svc := range removed {
		for _, b := range targets[i] {
			b.notifyRemove(svc)
		}
	}
}

func (n *Network) removeLocked(k serviceKey) {
	delete(n.services, k)
	for i, o := range n.order {
		if o == k {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

func (n *Network) addBrowser(b *browser) []Service {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.browsers[b] = struct{}{}
	var out []Service
	for _, k := range n.order {
		e := n.services[k]
		if matchesType(e.svc, b.serviceType) {
			out = append(out, cloneService(e.svc))
		}
	}
	return out
}

func (n *Network) removeBrowser(b *browser) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.browsers, b)
}

func (n *Network) browsersFor(svc Service) []*browser {
	var out []*browser
	for b := range n.browsers {
		if matchesType(svc, b.serviceType) {
			out = append(out, b)
		}
	}
	return out
}

// matchesType reports whether svc answers a browse for serviceType, either
// by its primary type or by one of its subtypes.
func matchesType(svc Service, serviceType string) bool {
	want := normalizeType(serviceType)
	if normalizeType(svc.Type) == want {
		return true
	}
	for _, st := range svc.Subtypes {
		if normalizeType(st) == want {
			return true
		}
	}
	return false
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSuffix(t, "."))
}

func cloneService(s Service) Service {
	s.Subtypes = append([]string(nil), s.Subtypes...)
	s.TXT = append([]string(nil), s.TXT...)
	if s.Address != nil {
		s.Address = append(net.IP(nil), s.Address...)
	}
	return s
}
