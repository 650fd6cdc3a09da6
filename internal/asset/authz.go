package asset

import "time"

// Decision is the tagged result of an authorization check.
type Decision int

const (
	Authorized Decision = iota
	Forbidden
	Expired
)

// Authorize decides whether identity may access the asset at the given
// instant. A request is authorized iff the identity equals the asset's
// sender or recipient and the asset has not expired. Both the retrieval
// and ingestion paths consume this single function.
func Authorize(a *Asset, identity string, now time.Time) Decision {
	if identity == "" || (identity != a.Sender && identity != a.Recipient) {
		return Forbidden
	}
	if a.Expired(now) {
		return Expired
	}
	return Authorized
}

// Err maps a decision to its sentinel error; Authorized maps to nil.
func (d Decision) Err() error {
	switch d {
	case Forbidden:
		return ErrForbidden
	case Expired:
		return ErrExpired
	default:
		return nil
	}
}
