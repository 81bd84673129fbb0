package webhook

import "errors"

var (
	// ErrSecretNotConfigured is returned when no shared secret is set. Events are
	// rejected rather than accepted unverified.
	ErrSecretNotConfigured = errors.New("webhook secret not configured")

	// ErrMissingSignature is returned when the signature header has no h1 value.
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrInvalidSignature is returned when the signature does not match the body.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when a verified body is not a valid envelope.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrMissingEventID is returned when a handled event has no provider event id.
	ErrMissingEventID = errors.New("webhook event id missing")

	// ErrCorrelationMissing is returned when an event lacks the fields needed to
	// map it to a user, plan, payment or customer.
	ErrCorrelationMissing = errors.New("webhook correlation data missing")
)
