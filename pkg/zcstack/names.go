package zcstack

import (
	"strings"

	"github.com/miekg/dns"
)

// normalizeType trims the trailing dot of a service type, so
// "_https._tcp." and "_https._tcp" name the same type.
func normalizeType(t string) string {
	return strings.TrimSuffix(t, ".")
}

// subtypeLabel extracts the subtype label from a full subtype name such as
// "_powerservice._sub._https._tcp.". A bare label is returned unchanged.
func subtypeLabel(subtype string) string {
	labels := dns.SplitDomainName(subtype)
	if len(labels) == 0 {
		return ""
	}
	return labels[0]
}

// browseService turns a browse target into zeroconf's "type,subtype" form.
// "_x._sub._https._tcp" browses subtype _x of _https._tcp.
func browseService(serviceType string) string {
	labels := dns.SplitDomainName(serviceType)
	if len(labels) >= 4 && strings.EqualFold(labels[1], "_sub") {
		return strings.Join(labels[2:], ".") + "," + labels[0]
	}
	return normalizeType(serviceType)
}

// registerService builds zeroconf's "type,sub1,sub2" registration string.
func registerService(serviceType string, subtypes []string) string {
	parts := []string{normalizeType(serviceType)}
	for _, st := range subtypes {
		if label := subtypeLabel(st); label != "" {
			parts = append(parts, label)
		}
	}
	return strings.Join(parts, ",")
}

// browseType returns the primary type of a browse target, which is the
// type discovered instances belong to.
func browseType(serviceType string) string {
	return strings.SplitN(browseService(serviceType), ",", 2)[0]
}
