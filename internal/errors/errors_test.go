package errors

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		code    string
		wantMsg string
		wantCat Category
	}{
		{CodeConfigParse, "Configuration file could not be parsed", CategoryConfig},
		{CodeUnknownTransport, "Unknown transport", CategoryTransport},
		{CodeHandshakeRejected, "Server rejected the handshake", CategoryHandshake},
		{"E999", "Unknown error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code)
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
			if err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMsg)
			}
			if err.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", err.Category, tt.wantCat)
			}
		})
	}
}

func TestCodesRegistered(t *testing.T) {
	for _, c := range Codes() {
		tpl, ok := Lookup(c)
		if !ok || tpl.Message == "" || tpl.Category == "" {
			t.Errorf("code %s has incomplete template %+v", c, tpl)
		}
	}
}

func TestErrorStringAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("address in use")
	err := New(CodeListen).Wrap(cause)

	if got, want := err.Error(), "E200: Listener could not be opened: address in use"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is did not find the cause")
	}
	if got := (&Error{Message: "plain"}).Error(); got != "plain" {
		t.Errorf("uncoded Error() = %q", got)
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil, CodeDial) != nil {
		t.Fatal("FromError(nil) != nil")
	}

	coded := New(CodeTLS)
	wrapped := fmt.Errorf("serve: %w", coded)
	if got := FromError(wrapped, CodeDial); got != coded {
		t.Fatalf("FromError did not unwrap to the existing *Error: %v", got)
	}

	plain := fmt.Errorf("boom")
	got := FromError(plain, CodeDial)
	if got.Code != CodeDial || got.Wrapped != plain {
		t.Fatalf("FromError = %+v", got)
	}
}

func TestWithLocationReadsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scopesync.toml")
	body := "a = 1\nb = 2\nc = \"x\"\nd = 4\ne = 5\nf = 6\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	err := New(CodeConfigParse).WithLocation(path, 3, 5)
	if err.ContextStart != 1 {
		t.Errorf("ContextStart = %d, want 1", err.ContextStart)
	}
	if len(err.Context) != 5 || err.Context[2] != `c = "x"` {
		t.Errorf("Context = %q", err.Context)
	}

	edge := New(CodeConfigParse).WithLocation(path, 1, 0)
	if edge.ContextStart != 1 || len(edge.Context) != 3 {
		t.Errorf("first-line context = %d %q", edge.ContextStart, edge.Context)
	}

	missing := New(CodeConfigParse).WithLocation(filepath.Join(t.TempDir(), "nope"), 3, 1)
	if missing.Context != nil || missing.Location == nil {
		t.Errorf("missing file: %+v", missing)
	}
}

func TestFormat(t *testing.T) {
	Colors = false
	t.Cleanup(func() { Colors = true })

	path := filepath.Join(t.TempDir(), "scopesync.toml")
	if err := os.WriteFile(path, []byte("[transport]\nidle_sleep_time = \"fast\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := New(CodeConfigParse).
		WithLocation(path, 2, 19).
		WithSuggestion("durations are given in seconds")

	out := err.Format()
	for _, want := range []string{
		"ERROR E101: Configuration file could not be parsed",
		path + ":2:19",
		"→    2 │ idle_sleep_time = \"fast\"",
		strings.Repeat(" ", 18) + "^",
		"Hint: durations are given in seconds",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("Format() emitted ANSI codes with Colors disabled")
	}
}

func TestFormatCompact(t *testing.T) {
	err := New(CodeConfigInvalid).WithDetail("x")
	if got := err.FormatCompact(); got != "E102: Invalid configuration value" {
		t.Errorf("FormatCompact() = %q", got)
	}
	err.Location = &Location{File: "a.toml", Line: 4}
	if got := err.FormatCompact(); got != "a.toml:4: E102: Invalid configuration value" {
		t.Errorf("FormatCompact() = %q", got)
	}
}

func TestFormatJSON(t *testing.T) {
	err := New(CodeListen).Wrap(fmt.Errorf("in use"))
	err.Location = &Location{File: "a.toml", Line: 2, Column: 3}

	var got map[string]any
	if e := json.Unmarshal([]byte(err.FormatJSON()), &got); e != nil {
		t.Fatalf("invalid JSON: %v", e)
	}
	if got["code"] != "E200" || got["category"] != "transport" || got["cause"] != "in use" {
		t.Errorf("FormatJSON() = %v", got)
	}
	loc, _ := got["location"].(map[string]any)
	if loc["file"] != "a.toml" || loc["line"] != float64(2) {
		t.Errorf("location = %v", loc)
	}
}

func TestPrintError(t *testing.T) {
	Colors = false
	t.Cleanup(func() { Colors = true })

	var buf bytes.Buffer
	PrintError(&buf, fmt.Errorf("wrapped: %w", New(CodeUsage)))
	if !strings.Contains(buf.String(), "ERROR E400: Invalid command-line argument") {
		t.Errorf("coded output = %q", buf.String())
	}

	buf.Reset()
	PrintError(&buf, fmt.Errorf("plain failure"))
	if got := buf.String(); got != "\nERROR: plain failure\n\n" {
		t.Errorf("plain output = %q", got)
	}
}
