package errors

// Template is the registered text for a code.
type Template struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

const (
	CodeConfigNotFound   = "E100"
	CodeConfigParse      = "E101"
	CodeConfigInvalid    = "E102"
	CodeConfigUnknownKey = "E103"

	CodeListen           = "E200"
	CodeUnknownTransport = "E201"
	CodeTLS              = "E202"

	CodeHandshakeRejected = "E300"
	CodeDial              = "E301"

	CodeUsage = "E400"
)

var codes = map[string]Template{
	CodeConfigNotFound: {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Suggestion: "pass --config with the path to a scopesync.toml file, or omit it to use defaults",
	},
	CodeConfigParse: {
		Category: CategoryConfig,
		Message:  "Configuration file could not be parsed",
		Detail:   "The file is not valid TOML or a value has the wrong type.",
	},
	CodeConfigInvalid: {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
	},
	CodeConfigUnknownKey: {
		Category:   CategoryConfig,
		Message:    "Unknown configuration key",
		Suggestion: "check the key's spelling and the table it is declared in",
	},
	CodeListen: {
		Category: CategoryTransport,
		Message:  "Listener could not be opened",
		Detail:   "The address is malformed or already in use.",
	},
	CodeUnknownTransport: {
		Category:   CategoryTransport,
		Message:    "Unknown transport",
		Suggestion: `use one of "tcp", "ws" or "quic"`,
	},
	CodeTLS: {
		Category:   CategoryTransport,
		Message:    "TLS material could not be loaded",
		Suggestion: "quic requires tls_cert and tls_key, or --self-signed for local testing",
	},
	CodeHandshakeRejected: {
		Category: CategoryHandshake,
		Message:  "Server rejected the handshake",
	},
	CodeDial: {
		Category: CategoryHandshake,
		Message:  "Connection could not be established",
	},
	CodeUsage: {
		Category: CategoryCLI,
		Message:  "Invalid command-line argument",
	},
}

// Codes returns every registered code.
func Codes() []string {
	out := make([]string, 0, len(codes))
	for c := range codes {
		out = append(out, c)
	}
	return out
}

// Lookup returns the template for a code.
func Lookup(code string) (Template, bool) {
	t, ok := codes[code]
	return t, ok
}
