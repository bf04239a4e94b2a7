package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// Defaults for service definitions and scans.
const (
	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultServiceName is announced until a real name is configured.
	DefaultServiceName = "IPM (default)"

	// DefaultServiceType is the announced service type.
	DefaultServiceType = "_https._tcp."

	// DefaultServiceSubtype is the announced service subtype.
	DefaultServiceSubtype = "_powerservice._sub._https._tcp."

	// DefaultServicePort is the announced port.
	DefaultServicePort = "443"

	// DefaultScanType is the service type browsed by scans and the watcher.
	DefaultScanType = "_https._tcp"
)

// Timing and limits.
const (
	// PumpTimeout bounds one non-blocking iteration of the shared poll context.
	PumpTimeout = 100 * time.Millisecond

	// MaxRenameAttempts caps how many alternative names are tried after
	// collisions before registration fails.
	MaxRenameAttempts = 16

	// DefaultQueueCapacity is the watcher queue size.
	DefaultQueueCapacity = 1024

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// TXT record keys used by ScanFilter.
const (
	TXTKeyType         = "type"
	TXTKeyManufacturer = "manufacturer"
	TXTKeyUUID         = "uuid"
)

// Discovery errors.
var (
	// ErrInitialization reports a poll context or client allocation failure.
	ErrInitialization = errors.New("discovery stack initialization failed")

	// ErrRegistration reports a failure to publish the service.
	ErrRegistration = errors.New("service registration failed")

	// ErrDiscovery reports a browse or resolve failure during a scan.
	ErrDiscovery = errors.New("service discovery failed")

	// ErrCollision is returned by Group.AddService when the name is taken.
	ErrCollision = errors.New("service name collision")

	// ErrNotStarted is returned when an operation needs a started advertiser.
	ErrNotStarted = errors.New("advertiser not started")

	// ErrInvalidDescriptor reports an unusable service definition.
	ErrInvalidDescriptor = errors.New("invalid service descriptor")
)

// ServiceDescriptor identifies the locally advertised service.
type ServiceDescriptor struct {
	// Name is the instance name (e.g., "IPM (12345678)").
	Name string

	// Type is the service type (e.g., "_https._tcp.").
	Type string

	// Subtype is the full subtype name (e.g., "_powerservice._sub._https._tcp.").
	// Empty means no subtype is registered.
	Subtype string

	// Port is the service port in text form, as carried by configuration
	// files and bus messages.
	Port string
}

// DefaultServiceDescriptor returns the built-in announcement.
func DefaultServiceDescriptor() ServiceDescriptor {
	return ServiceDescriptor{
		Name:    DefaultServiceName,
		Type:    DefaultServiceType,
		Subtype: DefaultServiceSubtype,
		Port:    DefaultServicePort,
	}
}

// PortNumber parses Port.
func (d ServiceDescriptor) PortNumber() (uint16, error) {
	p, err := strconv.ParseUint(d.Port, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("%w: port %q is not a positive integer", ErrInvalidDescriptor, d.Port)
	}
	return uint16(p), nil
}

// Validate checks the descriptor can be registered.
func (d ServiceDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	if len(d.Name) > MaxInstanceNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDescriptor, MaxInstanceNameLen)
	}
	if _, ok := dns.IsDomainName(d.Type); !ok || d.Type == "" {
		return fmt.Errorf("%w: bad service type %q", ErrInvalidDescriptor, d.Type)
	}
	if d.Subtype != "" {
		if _, ok := dns.IsDomainName(d.Subtype); !ok {
			return fmt.Errorf("%w: bad service subtype %q", ErrInvalidDescriptor, d.Subtype)
		}
	}
	_, err := d.PortNumber()
	return err
}

// Protocol is the address family of a discovered instance.
type Protocol uint8

const (
	// ProtocolUnspec matches any family.
	ProtocolUnspec Protocol = iota
	ProtocolIPv4
	ProtocolIPv6
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolIPv4:
		return "IPv4"
	case ProtocolIPv6:
		return "IPv6"
	default:
		return "UNSPEC"
	}
}

// Instance is a raw browse result. It only lives between a browse callback
// and the matching resolve callback.
type Instance struct {
	// Interface is the network interface index (0 means any).
	Interface int

	// Protocol is the address family the instance was seen on.
	Protocol Protocol

	// Name is the service instance name.
	Name string

	// Type is the service type.
	Type string

	// Domain is the browse domain.
	Domain string
}

// ResolvedService is a fully resolved instance.
type ResolvedService struct {
	// Instance is the browse result this service was resolved from.
	Instance Instance

	// Address is the textual IP address.
	Address string

	// Port is the service port.
	Port uint16

	// Hostname is the target host name.
	Hostname string

	// TXT holds the TXT record as "key=value" strings.
	TXT []string
}

// NewResolvedService builds a ResolvedService from a Found resolve event.
// The TXT slice is copied.
func NewResolvedService(ev ResolveEvent) ResolvedService {
	addr := ""
	if ev.Address != nil {
		addr = ev.Address.String()
	}
	txt := make([]string, len(ev.TXT))
	copy(txt, ev.TXT)
	return ResolvedService{
		Instance: ev.Instance,
		Address:  addr,
		Port:     ev.Port,
		Hostname: ev.Hostname,
		TXT:      txt,
	}
}

// TXTMap returns the TXT record as a map.
func (s ResolvedService) TXTMap() TXTRecordMap {
	return StringsToTXTRecords(s.TXT)
}
