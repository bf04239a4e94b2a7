package discovery_test

import (
	"errors"
	"net"
	"testing"

	"github.com/netdisco/mdnssd-go/pkg/discovery"
)

// TestDefaultServiceDescriptorValid verifies the built-in announcement
// passes validation.
func TestDefaultServiceDescriptorValid(t *testing.T) {
	d := discovery.DefaultServiceDescriptor()
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	port, err := d.PortNumber()
	if err != nil || port != 443 {
		t.Errorf("PortNumber() = %d, %v; want 443", port, err)
	}
}

// TestServiceDescriptorValidate verifies invalid descriptors are rejected.
func TestServiceDescriptorValidate(t *testing.T) {
	long := make([]byte, discovery.MaxInstanceNameLen+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name   string
		modify func(*discovery.ServiceDescriptor)
	}{
		{"empty name", func(d *discovery.ServiceDescriptor) { d.Name = "" }},
		{"long name", func(d *discovery.ServiceDescriptor) { d.Name = string(long) }},
		{"empty type", func(d *discovery.ServiceDescriptor) { d.Type = "" }},
		{"non numeric port", func(d *discovery.ServiceDescriptor) { d.Port = "https" }},
		{"zero port", func(d *discovery.ServiceDescriptor) { d.Port = "0" }},
		{"port out of range", func(d *discovery.ServiceDescriptor) { d.Port = "70000" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := discovery.DefaultServiceDescriptor()
			tc.modify(&d)
			err := d.Validate()
			if !errors.Is(err, discovery.ErrInvalidDescriptor) {
				t.Errorf("Validate() = %v, want ErrInvalidDescriptor", err)
			}
		})
	}
}

// TestNewResolvedServiceCopiesTXT verifies the result does not alias the
// event's TXT slice.
func TestNewResolvedServiceCopiesTXT(t *testing.T) {
	txt := []string{"type=ups"}
	svc := discovery.NewResolvedService(discovery.ResolveEvent{
		Kind:     discovery.ResolveFound,
		Instance: discovery.Instance{Name: "ups-1"},
		Hostname: "ups-1.local",
		Address:  net.ParseIP("192.168.1.20"),
		Port:     443,
		TXT:      txt,
	})
	txt[0] = "type=pdu"

	if svc.TXT[0] != "type=ups" {
		t.Errorf("TXT aliased: %v", svc.TXT)
	}
	if svc.Address != "192.168.1.20" {
		t.Errorf("Address = %q", svc.Address)
	}
	if svc.TXTMap()["type"] != "ups" {
		t.Errorf("TXTMap = %v", svc.TXTMap())
	}
}
