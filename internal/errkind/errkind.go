// Package errkind classifies failures for logging and metrics without
// introducing a full exception hierarchy — the teacher wraps with
// fmt.Errorf("...: %w", err) and switches on sentinel errors where the
// caller needs to branch; this package gives those sentinels names that
// match spec §7's taxonomy.
package errkind

import "errors"

var (
	// ErrConfiguration marks a missing/invalid required option. Fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransientIO marks a socket drop, timeout, or partial frame. Retried
	// with backoff for speech links.
	ErrTransientIO = errors.New("transient io error")
	// ErrProvider marks a speech-provider-side error event. Non-fatal.
	ErrProvider = errors.New("provider error")
	// ErrDataChannelMalformed marks a non-JSON or unrecognized data channel message.
	ErrDataChannelMalformed = errors.New("malformed data channel message")
	// ErrPersistence marks a failed store call. Buffered and retried later;
	// never propagated to the audio path.
	ErrPersistence = errors.New("persistence error")
	// ErrInvariant marks a violated internal invariant (e.g. misaligned buffer).
	// The offending frame is dropped and processing continues.
	ErrInvariant = errors.New("invariant violation")
)

// Is reports whether err is classified as kind, unwrapping as needed.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
