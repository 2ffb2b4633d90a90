package domain

import "errors"

var (
	// ErrRateLimited marks a service call rejected for exceeding a quota.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransientService marks a non-retried service failure.
	ErrTransientService = errors.New("service error")

	// ErrPermissionDenied is reported by voice capture when the host refuses the microphone.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrStorageCapacityExceeded is returned by persistence backends that reject a write for size.
	ErrStorageCapacityExceeded = errors.New("storage capacity exceeded")

	// ErrNoAudioProduced is returned when synthesis yields no audio payload.
	ErrNoAudioProduced = errors.New("no audio produced")

	// ErrSessionNotFound is returned by lookups targeting a missing session.
	ErrSessionNotFound = errors.New("session not found")

	ErrTurnInFlight  = errors.New("a reply is already being generated for this session")
	ErrEmptyInput    = errors.New("message has no text and no attachment")
	ErrSaveAbandoned = errors.New("save abandoned after compaction")
)
