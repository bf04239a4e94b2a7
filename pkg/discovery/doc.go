// Package discovery implements mDNS/DNS-SD service advertisement and
// discovery on top of a callback-driven discovery stack.
//
// The stack (see Stack) is modelled on the classic daemon client API: a poll
// context delivers client, entry-group, browser and resolver callbacks on the
// goroutine that iterates it. This package turns those callbacks into three
// synchronous or pump-driven components:
//
// # Advertiser
//
// Owns one registration lifecycle (name, type, subtype, port, TXT records)
// on a long-lived client and poll context. Name collisions are resolved by
// renaming the service, a bounded number of times.
//
// # Scanner
//
// Performs one blocking browse, resolve and filter pass over a service type
// on a dedicated, disposable client and poll context, so that a failed scan
// never disturbs the advertisement.
//
// # Watcher
//
// Browses continuously on the advertiser's shared context. The caller drives
// it by calling Pump from its own loop; filtered discoveries are buffered in
// a FIFO queue that another goroutine may drain.
//
// # Filtering
//
// ScanFilter excludes instances based on the "type" and "manufacturer" TXT
// keys and one optional custom key/value pair.
package discovery
