package log

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is one traced discovery occurrence.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID groups the events of one scan, one watch or one
	// advertiser lifetime.
	SessionID string `cbor:"2,keyasint"`

	// Component that produced the event.
	Component Component `cbor:"3,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"4,keyasint"`

	// ServiceType being announced or browsed.
	ServiceType string `cbor:"5,keyasint,omitempty"`

	// Instance is the service instance name.
	Instance string `cbor:"6,keyasint,omitempty"`

	// Address and Port of a resolved instance.
	Address string `cbor:"7,keyasint,omitempty"`
	Port    uint16 `cbor:"8,keyasint,omitempty"`

	// State is the new client/group state or the callback kind.
	State string `cbor:"9,keyasint,omitempty"`

	// Detail is free-form context (e.g., "renamed from X", "3 results").
	Detail string `cbor:"10,keyasint,omitempty"`

	// Error is set for CategoryError events.
	Error string `cbor:"11,keyasint,omitempty"`
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// Component identifies the producer of an event.
type Component uint8

const (
	ComponentAdvertiser Component = 0
	ComponentScanner    Component = 1
	ComponentWatcher    Component = 2
)

// String returns the component name.
func (c Component) String() string {
	switch c {
	case ComponentAdvertiser:
		return "ADVERTISER"
	case ComponentScanner:
		return "SCANNER"
	case ComponentWatcher:
		return "WATCHER"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryState is a client or group state change.
	CategoryState Category = 0
	// CategoryBrowse is a browser callback.
	CategoryBrowse Category = 1
	// CategoryResolve is a resolver callback.
	CategoryResolve Category = 2
	// CategoryFiltered marks an instance dropped by the scan filter.
	CategoryFiltered Category = 3
	// CategoryResult marks a delivered result or a finished scan.
	CategoryResult Category = 4
	// CategoryError is a failure at any stage.
	CategoryError Category = 5
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryState:
		return "STATE"
	case CategoryBrowse:
		return "BROWSE"
	case CategoryResolve:
		return "RESOLVE"
	case CategoryFiltered:
		return "FILTERED"
	case CategoryResult:
		return "RESULT"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name as printed by String
// (case-insensitive).
func ParseCategory(s string) (Category, bool) {
	for c := CategoryState; c <= CategoryError; c++ {
		if strings.EqualFold(s, c.String()) {
			return c, true
		}
	}
	return 0, false
}
