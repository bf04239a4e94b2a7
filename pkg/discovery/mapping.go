package discovery

import "strconv"

// ServiceMapping is the JSON shape in which discovered services are
// published to other processes.
type ServiceMapping struct {
	Hostname     string            `json:"service_host_name"`
	Name         string            `json:"service_name"`
	Address      string            `json:"service_address"`
	Port         string            `json:"service_port"`
	ExtendedInfo map[string]string `json:"service_extended_info"`
}

// NewServiceMapping converts a resolved service. TXT entries become
// ExtendedInfo keys; the first occurrence of a key wins.
func NewServiceMapping(svc ResolvedService) ServiceMapping {
	return ServiceMapping{
		Hostname:     svc.Hostname,
		Name:         svc.Instance.Name,
		Address:      svc.Address,
		Port:         strconv.Itoa(int(svc.Port)),
		ExtendedInfo: StringsToTXTRecords(svc.TXT),
	}
}

// NewServiceMappings converts a list of resolved services, keeping order.
func NewServiceMappings(services []ResolvedService) []ServiceMapping {
	out := make([]ServiceMapping, 0, len(services))
	for _, svc := range services {
		out = append(out, NewServiceMapping(svc))
	}
	return out
}
