// Package errors provides error classification for afspm.
//
// # Classes
//
//   - Transient: timeouts, lost connections. The control client retries these
//     and reports REP_NO_RESPONSE once its attempts are exhausted.
//   - Invalid: malformed payloads or frames. The relay drops such messages and
//     keeps running.
//   - Fatal: configuration mismatches such as an envelope no registered key can
//     resolve. Loops stop and return the error.
//
// Arbitration outcomes (not in control, not free, already under control) are
// never errors; they travel as control response codes.
//
// # Usage
//
//	if err := codec.Decode(payload, msg); err != nil {
//	    return errors.WrapInvalid(errors.ErrMalformedMessage, "Registry", "Extract", "payload decode")
//	}
//
//	if errors.IsFatal(err) {
//	    return err
//	}
package errors
