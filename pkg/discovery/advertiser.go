package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/netdisco/mdnssd-go/pkg/log"
)

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Logger receives operational log output. Nil means slog.Default().
	Logger *slog.Logger

	// Tracer receives discovery trace events. Nil disables tracing.
	Tracer log.Logger

	// MaxRenameAttempts bounds collision renames per registration.
	// Default: MaxRenameAttempts.
	MaxRenameAttempts int
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{
		MaxRenameAttempts: MaxRenameAttempts,
	}
}

// AdvertiserState is a snapshot of the advertiser.
type AdvertiserState struct {
	Started     bool
	ServiceName string
	Client      ClientState
	Group       GroupState
	Err         error
}

// Advertiser publishes one service on a long-lived client and poll context.
// The same context carries the Watcher's browse subscription, so both are
// driven by Pump.
//
// All methods are safe for concurrent use; they serialise on one mutex.
// Stack callbacks run while that mutex is held by Announce or Pump.
type Advertiser struct {
	stack      Stack
	logger     *slog.Logger
	trace      *tracer
	maxRenames int

	mu          sync.Mutex
	desc        ServiceDescriptor
	name        string
	txt         TXTRecordMap
	poll        Poll
	client      Client
	group       Group
	clientState ClientState
	groupState  GroupState
	pending     bool
	renames     int
	err         error

	// Run under the mutex by Stop, before the client is freed.
	stopHooks []func()
}

// NewAdvertiser creates an advertiser for the default service descriptor.
// Call Start before announcing.
func NewAdvertiser(stack Stack, config AdvertiserConfig) *Advertiser {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRenames := config.MaxRenameAttempts
	if maxRenames <= 0 {
		maxRenames = MaxRenameAttempts
	}
	desc := DefaultServiceDescriptor()
	return &Advertiser{
		stack:      stack,
		logger:     logger,
		trace:      newTracer(config.Tracer, log.ComponentAdvertiser),
		maxRenames: maxRenames,
		desc:       desc,
		name:       desc.Name,
		txt:        TXTRecordMap{},
	}
}

// SetDefinition replaces the service descriptor and TXT records used by the
// next Announce. A nil txt keeps the current records.
func (a *Advertiser) SetDefinition(desc ServiceDescriptor, txt TXTRecordMap) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.desc = desc
	a.name = desc.Name
	a.renames = 0
	if txt != nil {
		a.txt = txt.Clone()
	}
}

// SetTxtRecord inserts or overwrites one TXT key.
func (a *Advertiser) SetTxtRecord(key, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.txt[key] = value
}

// SetTxtRecords replaces the whole TXT set.
func (a *Advertiser) SetTxtRecords(txt TXTRecordMap) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.txt = txt.Clone()
}

// TxtRecords returns a copy of the current TXT set.
func (a *Advertiser) TxtRecords() TXTRecordMap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.txt.Clone()
}

// ServiceName returns the name currently registered, which differs from the
// descriptor's name after a collision rename.
func (a *Advertiser) ServiceName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

// Err returns the last asynchronous failure reported by the stack.
func (a *Advertiser) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// State returns a snapshot of the advertiser.
func (a *Advertiser) State() AdvertiserState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AdvertiserState{
		Started:     a.poll != nil,
		ServiceName: a.name,
		Client:      a.clientState,
		Group:       a.groupState,
		Err:         a.err,
	}
}

// Start allocates the shared poll context and client.
// Starting a started advertiser is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.poll != nil {
		return nil
	}

	a.trace.begin()

	poll, err := a.stack.NewPoll()
	if err != nil {
		a.logger.Error("Advertiser: failed to create poll context", "error", err)
		a.trace.failure("", "", err)
		return fmt.Errorf("%w: poll context: %w", ErrInitialization, err)
	}

	client, err := poll.NewClient(a.onClientState)
	if err != nil {
		poll.Close()
		a.logger.Error("Advertiser: failed to create client", "error", err)
		a.trace.failure("", "", err)
		return fmt.Errorf("%w: client: %w", ErrInitialization, err)
	}

	a.poll = poll
	a.client = client
	a.clientState = ClientConnecting
	a.groupState = GroupUncommitted
	a.err = nil
	a.logger.Debug("Advertiser: started")
	return nil
}

// Announce registers the current descriptor and TXT records, replacing any
// previous registration. It drives the shared context until the client is
// running, so it blocks at most until ctx is done.
func (a *Advertiser) Announce(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return ErrNotStarted
	}
	if err := a.desc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	for a.clientState == ClientConnecting || a.clientState == ClientRegistering {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: waiting for client: %w", ErrRegistration, err)
		}
		if err := a.poll.Iterate(PumpTimeout); err != nil {
			return fmt.Errorf("%w: %w", ErrRegistration, err)
		}
	}

	if a.clientState == ClientFailure {
		return fmt.Errorf("%w: client failed: %w", ErrRegistration, a.err)
	}

	// A Running callback delivered above may already have rebuilt the group.
	a.pending = false
	a.renames = 0
	return a.createServices()
}

// Update pushes the current TXT records into the registered service.
// Without a registration it only logs a warning.
func (a *Advertiser) Update() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.group == nil || a.group.IsEmpty() {
		a.logger.Warn("Advertiser: update requested but no service is announced")
		return nil
	}

	txt := TXTRecordsToStrings(a.txt)
	if err := a.group.UpdateTXT(a.name, a.desc.Type, txt); err != nil {
		a.logger.Error("Advertiser: failed to update TXT records", "name", a.name, "error", err)
		a.trace.failure(a.desc.Type, a.name, err)
		return fmt.Errorf("%w: update TXT: %w", ErrRegistration, err)
	}

	a.logger.Info("Advertiser: TXT records updated", "name", a.name, "records", len(txt))
	a.trace.result(a.desc.Type, a.name, "txt updated")
	return nil
}

// Pump delivers pending callbacks of the shared context, waiting at most
// PumpTimeout. It is a no-op before Start.
func (a *Advertiser) Pump() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.poll == nil {
		return nil
	}
	return a.poll.Iterate(PumpTimeout)
}

// Stop withdraws the registration and frees the client and poll context.
// It is idempotent; Start may be called again afterwards.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, hook := range a.stopHooks {
		hook()
	}
	if a.group != nil {
		a.group.Reset()
		a.group.Close()
		a.group = nil
	}
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	if a.poll != nil {
		a.poll.Close()
		a.poll = nil
		a.logger.Debug("Advertiser: stopped")
		a.trace.state(a.desc.Type, a.name, "STOPPED")
	}
	a.clientState = ClientConnecting
	a.groupState = GroupUncommitted
	a.pending = false
}

// withClient runs fn with the shared client while holding the mutex.
func (a *Advertiser) withClient(fn func(Client) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return ErrNotStarted
	}
	return fn(a.client)
}

// onStop registers fn to run under the mutex whenever Stop releases the
// shared client.
func (a *Advertiser) onStop(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopHooks = append(a.stopHooks, fn)
}

// locked runs fn while holding the mutex.
func (a *Advertiser) locked(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn()
}

// createServices resets the group and registers the service again.
// Callers hold the mutex.
func (a *Advertiser) createServices() error {
	if a.group == nil {
		group, err := a.client.NewGroup(a.onGroupState)
		if err != nil {
			return a.fail(fmt.Errorf("%w: create group: %w", ErrRegistration, err))
		}
		a.group = group
	} else if err := a.group.Reset(); err != nil {
		a.logger.Warn("Advertiser: failed to reset group", "error", err)
	}

	port, err := a.desc.PortNumber()
	if err != nil {
		return a.fail(fmt.Errorf("%w: %w", ErrRegistration, err))
	}
	txt := TXTRecordsToStrings(a.txt)

	for {
		err := a.group.AddService(a.name, a.desc.Type, port, txt)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrCollision) {
			return a.fail(fmt.Errorf("%w: add service %q: %w", ErrRegistration, a.name, err))
		}
		if !a.rename() {
			return a.fail(fmt.Errorf("%w: no free name for %q after %d attempts", ErrRegistration, a.desc.Name, a.maxRenames))
		}
	}

	if a.desc.Subtype != "" {
		if err := a.group.AddSubtype(a.name, a.desc.Type, a.desc.Subtype); err != nil {
			return a.fail(fmt.Errorf("%w: add subtype %q: %w", ErrRegistration, a.desc.Subtype, err))
		}
	}

	if err := a.group.Commit(); err != nil {
		return a.fail(fmt.Errorf("%w: commit: %w", ErrRegistration, err))
	}

	a.pending = false
	a.logger.Debug("Advertiser: service committed",
		"name", a.name,
		"type", a.desc.Type,
		"subtype", a.desc.Subtype,
		"port", port)
	a.trace.state(a.desc.Type, a.name, "COMMITTED")
	return nil
}

// rename switches to the stack's alternative name. It reports false once
// the attempt budget is spent.
func (a *Advertiser) rename() bool {
	if a.renames >= a.maxRenames {
		return false
	}
	a.renames++
	old := a.name
	a.name = a.stack.AlternativeServiceName(old)
	a.logger.Warn("Advertiser: service name collision, renaming",
		"old", old,
		"new", a.name,
		"attempt", a.renames)
	a.trace.emit(log.Event{
		Category:    log.CategoryState,
		ServiceType: a.desc.Type,
		Instance:    a.name,
		State:       GroupCollision.String(),
		Detail:      "renamed from " + old,
	})
	return true
}

func (a *Advertiser) fail(err error) error {
	a.err = err
	a.logger.Error("Advertiser: registration failed", "name", a.name, "error", err)
	a.trace.failure(a.desc.Type, a.name, err)
	return err
}

func (a *Advertiser) onClientState(c Client, state ClientState) {
	a.clientState = state
	a.trace.state("", "", "client "+state.String())

	switch state {
	case ClientRunning:
		if a.pending {
			a.createServices()
		}

	case ClientRegistering:
		// The daemon is re-registering its host name; our records will be
		// withdrawn and must be committed again once it is running.
		if a.group != nil && !a.group.IsEmpty() {
			a.group.Reset()
			a.pending = true
		}

	case ClientCollision:
		a.logger.Warn("Advertiser: host name collision")

	case ClientFailure:
		a.err = fmt.Errorf("%w: client failure", ErrRegistration)
		a.logger.Error("Advertiser: client failure")
		a.trace.failure("", "", a.err)
	}
}

func (a *Advertiser) onGroupState(g Group, state GroupState) {
	a.groupState = state

	switch state {
	case GroupEstablished:
		a.renames = 0
		a.logger.Info("Advertiser: service established", "name", a.name, "type", a.desc.Type)
		a.trace.state(a.desc.Type, a.name, state.String())

	case GroupCollision:
		a.trace.state(a.desc.Type, a.name, state.String())
		if !a.rename() {
			a.fail(fmt.Errorf("%w: no free name for %q after %d attempts", ErrRegistration, a.desc.Name, a.maxRenames))
			return
		}
		a.createServices()

	case GroupFailure:
		a.fail(fmt.Errorf("%w: group failure", ErrRegistration))
	}
}
