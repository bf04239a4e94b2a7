package zcstack

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/netdisco/mdnssd-go/pkg/discovery"
)

type service struct {
	name        string
	serviceType string
	subtypes    []string
	port        uint16
	txt         []string
}

// group registers one zeroconf server per service on Commit.
type group struct {
	client  *client
	onState func(discovery.Group, discovery.GroupState)

	mu       sync.Mutex
	services []*service
	servers  map[string]*zeroconf.Server
	closed   bool
}

func (g *group) IsEmpty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.services) == 0
}

func (g *group) AddService(name, serviceType string, port uint16, txt []string) error {
	s := g.client.stack
	key := nameKey(name, serviceType)

	if s.heldByOther(g, key) {
		return fmt.Errorf("%w: %q is registered by this host", discovery.ErrCollision, name)
	}
	if s.config.ProbeTimeout > 0 && g.probe(name, serviceType) {
		return fmt.Errorf("%w: %q answered a probe", discovery.ErrCollision, name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.services = append(g.services, &service{
		name:        name,
		serviceType: serviceType,
		port:        port,
		txt:         append([]string(nil), txt...),
	})
	return nil
}

// probe browses for an instance already using name.
func (g *group) probe(name, serviceType string) bool {
	s := g.client.stack
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ProbeTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	go func() {
		if err := zeroconf.Browse(ctx, normalizeType(serviceType), discovery.Domain, entries, removed, s.browseOptions()...); err != nil {
			s.logger.Debug("zcstack: probe browse failed", "name", name, "error", err)
		}
	}()

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if strings.EqualFold(e.Instance, name) {
				return true
			}
		case <-removed:
		case <-ctx.Done():
			return false
		}
	}
}

func (g *group) AddSubtype(name, serviceType, subtype string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, svc := range g.services {
		if strings.EqualFold(svc.name, name) && normalizeType(svc.serviceType) == normalizeType(serviceType) {
			svc.subtypes = append(svc.subtypes, subtype)
			return nil
		}
	}
	return fmt.Errorf("zcstack: service %q not in group", name)
}

func (g *group) UpdateTXT(name, serviceType string, txt []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	server, ok := g.servers[nameKey(name, serviceType)]
	if !ok {
		return fmt.Errorf("zcstack: service %q is not registered", name)
	}
	for _, svc := range g.services {
		if strings.EqualFold(svc.name, name) {
			svc.txt = append([]string(nil), txt...)
		}
	}
	server.SetText(txt)
	return nil
}

func (g *group) Commit() error {
	g.post(discovery.GroupRegistering)

	state, err := g.register()
	g.post(state)
	return err
}

// register starts a server for every service not yet running.
func (g *group) register() (discovery.GroupState, error) {
	s := g.client.stack

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.servers == nil {
		g.servers = make(map[string]*zeroconf.Server)
	}

	for _, svc := range g.services {
		key := nameKey(svc.name, svc.serviceType)
		if _, done := g.servers[key]; done {
			continue
		}
		if !s.claim(g, key) {
			return discovery.GroupCollision, nil
		}

		server, err := zeroconf.Register(
			svc.name,
			registerService(svc.serviceType, svc.subtypes),
			discovery.Domain,
			int(svc.port),
			svc.txt,
			s.interfaces(),
			s.serverOptions()...,
		)
		if err != nil {
			g.shutdownLocked()
			return discovery.GroupFailure, fmt.Errorf("zcstack: register %q: %w", svc.name, err)
		}
		g.servers[key] = server
	}
	return discovery.GroupEstablished, nil
}

func (g *group) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownLocked()
	g.services = nil
	return nil
}

func (g *group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownLocked()
	g.services = nil
	g.closed = true
	return nil
}

func (g *group) shutdownLocked() {
	for key, server := range g.servers {
		server.Shutdown()
		delete(g.servers, key)
	}
	g.client.stack.release(g)
}

func (g *group) post(state discovery.GroupState) {
	g.client.loop.Post(func() {
		g.mu.Lock()
		closed := g.closed
		g.mu.Unlock()
		if closed || g.onState == nil {
			return
		}
		g.onState(g, state)
	})
}
