package discovery

import "strings"

// ScanFilter selects which discovered instances are kept.
// The zero value is disabled and keeps everything.
type ScanFilter struct {
	// SubTypes lists accepted values of the "type" TXT key (case-insensitive).
	SubTypes []string

	// Manufacturer is the accepted "manufacturer" TXT value (case-insensitive).
	Manufacturer string

	// CustomKey names an additional TXT key to match.
	CustomKey string

	// CustomValue is the exact value CustomKey must carry.
	CustomValue string
}

// ParseSubTypes splits a comma-separated list such as "ups,pdu,ats".
func ParseSubTypes(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Enabled reports whether any criterion is configured.
func (f ScanFilter) Enabled() bool {
	return len(f.SubTypes) > 0 || f.Manufacturer != "" || f.CustomKey != "" || f.CustomValue != ""
}

// IsExcluded reports whether an instance with the given TXT record must be
// dropped from results.
//
// Once the filter is enabled, a TXT record lacking the "type" or
// "manufacturer" key is always excluded, even if that particular criterion
// is not configured. A filter with only a custom key therefore still drops
// records without those two keys.
func (f ScanFilter) IsExcluded(txt []string) bool {
	if !f.Enabled() {
		return false
	}

	records := StringsToTXTRecords(txt)

	subType, ok := records[TXTKeyType]
	if !ok {
		return true
	}
	if len(f.SubTypes) > 0 && !f.matchSubType(subType) {
		return true
	}

	manufacturer, ok := records[TXTKeyManufacturer]
	if !ok {
		return true
	}
	if f.Manufacturer != "" && !strings.EqualFold(manufacturer, f.Manufacturer) {
		return true
	}

	if f.CustomKey != "" {
		value, ok := records[f.CustomKey]
		if !ok {
			return true
		}
		if f.CustomValue != "" && value != f.CustomValue {
			return true
		}
	}

	return false
}

func (f ScanFilter) matchSubType(value string) bool {
	for _, s := range f.SubTypes {
		if strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers cannot mutate a filter in use.
func (f ScanFilter) clone() ScanFilter {
	out := f
	out.SubTypes = append([]string(nil), f.SubTypes...)
	return out
}
