// Package errors provides coded, operator-facing errors for the scopesync
// command line.
//
// Library packages return plain wrapped errors. The CLI converts the ones
// an operator can act on, such as bad configuration or a rejected
// handshake, into an *Error carrying a stable code, a hint, and
// where applicable the offending line of the configuration file:
//
//	err := errors.New(errors.CodeConfigParse).
//		WithLocation("scopesync.toml", 7, 20).
//		WithSuggestion("durations are given in seconds, e.g. 0.25")
//	errors.PrintError(os.Stderr, err)
//
// renders as
//
//	ERROR E101: Configuration file could not be parsed
//
//	  scopesync.toml:7:20
//
//	     6 │ [transport]
//	  →  7 │ idle_sleep_time = "fast"
//	       │                    ^
//	     8 │ max_message_size = 1024
//
//	  Hint: durations are given in seconds, e.g. 0.25
package errors
