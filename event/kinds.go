// Package event defines the wire-level model shared by every pool
// component: numeric kind ranges, typed views over stringly tag arrays,
// and NIP-04 payload encryption helpers. Events themselves are
// nostr.Event values from github.com/nbd-wtf/go-nostr; this package
// only interprets them.
//
// Tags are parsed into small typed structs at the ingestion boundary so
// business logic never indexes into raw tag arrays. Unknown tags are
// ignored explicitly here, in one place.
package event

// Kind ranges on the shared event bus.
const (
	// KindRequestMin..KindRequestMax carry job requests published by
	// customers.
	KindRequestMin = 5000
	KindRequestMax = 5999

	// KindResultMin..KindResultMax carry job output payloads. A result
	// kind is always its request kind + ResultKindOffset.
	KindResultMin = 6000
	KindResultMax = 6999

	// KindFeedback carries worker status updates (processing, success,
	// error, log, payment-required).
	KindFeedback = 7000

	// KindCustomerAck carries customer acknowledgements: payment proofs
	// and customer-side log entries.
	KindCustomerAck = 7001

	// KindAnnouncement carries periodic capability advertisements.
	KindAnnouncement = 31990
)

// ResultKindOffset maps a request kind to its result kind.
const ResultKindOffset = 1000

// IsRequest reports whether kind is in the job-request range.
func IsRequest(kind int) bool { return kind >= KindRequestMin && kind <= KindRequestMax }

// IsResult reports whether kind is in the job-result range.
func IsResult(kind int) bool { return kind >= KindResultMin && kind <= KindResultMax }

// IsWorkerResult reports whether kind targets a worker result: either a
// result payload or a feedback update.
func IsWorkerResult(kind int) bool { return IsResult(kind) || kind == KindFeedback }

// ResultKindFor returns the result kind paired with a request kind.
func ResultKindFor(requestKind int) int { return requestKind + ResultKindOffset }
