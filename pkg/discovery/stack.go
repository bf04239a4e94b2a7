package discovery

import (
	"net"
	"time"
)

// Stack is the discovery stack the components are built on. Implementations
// deliver every callback on the goroutine that is inside Poll.Iterate or
// Poll.Run, never concurrently for the same Poll.
type Stack interface {
	// NewPoll allocates a poll context.
	NewPoll() (Poll, error)

	// AlternativeServiceName returns a collision-avoiding variant of name.
	AlternativeServiceName(name string) string
}

// Poll is a single-threaded poll context.
type Poll interface {
	// NewClient creates a client whose state changes are reported to onState.
	NewClient(onState func(Client, ClientState)) (Client, error)

	// Iterate runs pending callbacks, waiting at most timeout for the first.
	Iterate(timeout time.Duration) error

	// Run runs callbacks until Quit is called.
	Run() error

	// Quit makes Run return. Safe from callbacks and other goroutines.
	Quit()

	// Close frees the poll context.
	Close() error
}

// Client is a connection to the discovery stack.
type Client interface {
	// State returns the current client state.
	State() ClientState

	// NewGroup creates an empty registration group.
	NewGroup(onState func(Group, GroupState)) (Group, error)

	// NewBrowser subscribes to instances of serviceType.
	NewBrowser(serviceType string, onEvent func(BrowseEvent)) (Browser, error)

	// NewResolver resolves one discovered instance. onEvent is called once.
	NewResolver(inst Instance, onEvent func(ResolveEvent)) (Resolver, error)

	// Close frees the client and everything it created.
	Close() error
}

// Group is a set of service records committed atomically.
type Group interface {
	// IsEmpty reports whether no service has been added since the last reset.
	IsEmpty() bool

	// AddService adds the primary service record. A taken name yields an
	// error wrapping ErrCollision.
	AddService(name, serviceType string, port uint16, txt []string) error

	// AddSubtype registers a subtype for a service already in the group.
	AddSubtype(name, serviceType, subtype string) error

	// UpdateTXT replaces the TXT record of a committed service.
	UpdateTXT(name, serviceType string, txt []string) error

	// Commit publishes the group.
	Commit() error

	// Reset withdraws and empties the group.
	Reset() error

	// Close frees the group.
	Close() error
}

// Browser is an active browse subscription.
type Browser interface {
	Close() error
}

// Resolver is a pending resolve operation.
type Resolver interface {
	Close() error
}

// ClientState is the state of a stack client.
type ClientState uint8

const (
	ClientConnecting ClientState = iota
	ClientRegistering
	ClientRunning
	ClientCollision
	ClientFailure
)

// String returns the state name.
func (s ClientState) String() string {
	switch s {
	case ClientConnecting:
		return "CONNECTING"
	case ClientRegistering:
		return "REGISTERING"
	case ClientRunning:
		return "RUNNING"
	case ClientCollision:
		return "COLLISION"
	case ClientFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// GroupState is the state of a registration group.
type GroupState uint8

const (
	GroupUncommitted GroupState = iota
	GroupRegistering
	GroupEstablished
	GroupCollision
	GroupFailure
)

// String returns the state name.
func (s GroupState) String() string {
	switch s {
	case GroupUncommitted:
		return "UNCOMMITTED"
	case GroupRegistering:
		return "REGISTERING"
	case GroupEstablished:
		return "ESTABLISHED"
	case GroupCollision:
		return "COLLISION"
	case GroupFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// BrowseEventKind classifies browser callbacks.
type BrowseEventKind uint8

const (
	BrowseNew BrowseEventKind = iota
	BrowseRemove
	BrowseCacheExhausted
	BrowseAllForNow
	BrowseFailure
)

// String returns the event name.
func (k BrowseEventKind) String() string {
	switch k {
	case BrowseNew:
		return "NEW"
	case BrowseRemove:
		return "REMOVE"
	case BrowseCacheExhausted:
		return "CACHE_EXHAUSTED"
	case BrowseAllForNow:
		return "ALL_FOR_NOW"
	case BrowseFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// BrowseEvent is delivered to browser callbacks.
type BrowseEvent struct {
	Kind     BrowseEventKind
	Instance Instance
	Err      error
}

// ResolveEventKind classifies resolver callbacks.
type ResolveEventKind uint8

const (
	ResolveFound ResolveEventKind = iota
	ResolveFailure
)

// String returns the event name.
func (k ResolveEventKind) String() string {
	switch k {
	case ResolveFound:
		return "FOUND"
	case ResolveFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// ResolveEvent is delivered to resolver callbacks.
type ResolveEvent struct {
	Kind     ResolveEventKind
	Instance Instance
	Hostname string
	Address  net.IP
	Port     uint16
	TXT      []string
	Err      error
}
