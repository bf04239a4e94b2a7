package discovery

import (
	"sort"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// Clone returns an independent copy of the map.
func (m TXTRecordMap) Clone() TXTRecordMap {
	out := make(TXTRecordMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TXTRecordsToStrings converts a TXTRecordMap to "key=value" strings,
// ordered by key.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(txt))
	for _, k := range keys {
		result = append(result, k+"="+txt[k])
	}
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
// When a key repeats, the first occurrence wins.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap, len(strs))
	for _, s := range strs {
		key, value, ok := splitTXT(s)
		if !ok {
			continue
		}
		if _, exists := txt[key]; !exists {
			txt[key] = value
		}
	}
	return txt
}

// splitTXT splits one "key=value" string. A bare key is a boolean flag with
// an empty value.
func splitTXT(s string) (key, value string, ok bool) {
	if s == "" {
		return "", "", false
	}
	key, value, _ = strings.Cut(s, "=")
	if key == "" {
		return "", "", false
	}
	return key, value, true
}
