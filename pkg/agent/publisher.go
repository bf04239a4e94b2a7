package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/netdisco/mdnssd-go/pkg/discovery"
)

// Publisher delivers discovered services to other processes.
type Publisher interface {
	// Publish sends services on topic.
	Publish(topic string, services []discovery.ServiceMapping) error
}

// InfoSource supplies the local service description used by the default
// announcement.
type InfoSource interface {
	// Info returns the descriptor and TXT records to announce.
	Info(ctx context.Context) (discovery.ServiceDescriptor, discovery.TXTRecordMap, error)
}

// Publication is one JSON document written by JSONPublisher.
type Publication struct {
	Topic    string                     `json:"topic"`
	Services []discovery.ServiceMapping `json:"services"`
}

// JSONPublisher writes each publication as one line of JSON.
type JSONPublisher struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONPublisher creates a publisher writing to w.
func NewJSONPublisher(w io.Writer) *JSONPublisher {
	return &JSONPublisher{enc: json.NewEncoder(w)}
}

// Publish implements Publisher.
func (p *JSONPublisher) Publish(topic string, services []discovery.ServiceMapping) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(Publication{Topic: topic, Services: services}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// StaticInfo is an InfoSource that always returns the same description.
type StaticInfo struct {
	Descriptor discovery.ServiceDescriptor
	TXT        discovery.TXTRecordMap
}

// Info implements InfoSource.
func (s StaticInfo) Info(context.Context) (discovery.ServiceDescriptor, discovery.TXTRecordMap, error) {
	return s.Descriptor, s.TXT.Clone(), nil
}

// WriteServices renders services in the agent's plain text format: a line of
// 30 asterisks before each service, then its host name, name, address, port
// and one line per TXT entry.
func WriteServices(w io.Writer, services []discovery.ResolvedService) error {
	sep := strings.Repeat("*", 30)
	for _, svc := range services {
		if _, err := fmt.Fprintf(w, "%s\nservice.hostname=%s\nservice.name=%s\nservice.address=%s\nservice.port=%d\n",
			sep, svc.Hostname, svc.Instance.Name, svc.Address, svc.Port); err != nil {
			return err
		}
		for _, txt := range svc.TXT {
			if _, err := fmt.Fprintln(w, txt); err != nil {
				return err
			}
		}
	}
	return nil
}
