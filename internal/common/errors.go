// Package common defines shared constants and sentinel errors used across
// the client engine. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Store-level errors.
	ErrNotFound       = errors.New("not found")
	ErrSecretNotFound = errors.New("asset secret not found in local store")

	// Queue/pipeline errors.
	ErrCorruptPayload   = errors.New("corrupt queue item payload")
	ErrRunInProgress    = errors.New("run already in progress")
	ErrItemInProgress   = errors.New("item already being processed")
	ErrBlacklisted      = errors.New("identifier is blacklisted")
	ErrProcessorStopped = errors.New("processor is stopped")

	// Crypto/verification errors. Decryption-class failures are permanent:
	// retrying cannot help.
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrMissingProtocolSalt = errors.New("protocol salt not configured")

	// Remote errors.
	ErrIdentifierMismatch = errors.New("server returned a different global identifier")
	ErrTransient          = errors.New("transient remote failure")
	ErrUnauthorized       = errors.New("unauthorized")
)
