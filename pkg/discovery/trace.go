package discovery

import (
	"time"

	"github.com/netdisco/mdnssd-go/pkg/log"
)

// tracer stamps events of one component with a session ID.
type tracer struct {
	logger    log.Logger
	component log.Component
	session   string
}

func newTracer(l log.Logger, c log.Component) *tracer {
	return &tracer{logger: log.OrNoop(l), component: c}
}

// begin starts a new session and returns its ID.
func (t *tracer) begin() string {
	t.session = log.NewSessionID()
	return t.session
}

func (t *tracer) emit(e log.Event) {
	if _, ok := t.logger.(log.NoopLogger); ok {
		return
	}
	e.Timestamp = time.Now()
	e.SessionID = t.session
	e.Component = t.component
	t.logger.Log(e)
}

func (t *tracer) state(serviceType, instance, state string) {
	t.emit(log.Event{Category: log.CategoryState, ServiceType: serviceType, Instance: instance, State: state})
}

func (t *tracer) browse(ev BrowseEvent) {
	t.emit(log.Event{
		Category:    log.CategoryBrowse,
		ServiceType: ev.Instance.Type,
		Instance:    ev.Instance.Name,
		State:       ev.Kind.String(),
	})
}

func (t *tracer) resolved(svc ResolvedService) {
	t.emit(log.Event{
		Category:    log.CategoryResolve,
		ServiceType: svc.Instance.Type,
		Instance:    svc.Instance.Name,
		Address:     svc.Address,
		Port:        svc.Port,
		State:       ResolveFound.String(),
	})
}

func (t *tracer) filtered(svc ResolvedService) {
	t.emit(log.Event{
		Category:    log.CategoryFiltered,
		ServiceType: svc.Instance.Type,
		Instance:    svc.Instance.Name,
		Address:     svc.Address,
		Port:        svc.Port,
	})
}

func (t *tracer) result(serviceType, instance, detail string) {
	t.emit(log.Event{Category: log.CategoryResult, ServiceType: serviceType, Instance: instance, Detail: detail})
}

func (t *tracer) failure(serviceType, instance string, err error) {
	e := log.Event{Category: log.CategoryError, ServiceType: serviceType, Instance: instance}
	if err != nil {
		e.Error = err.Error()
	}
	t.emit(e)
}
