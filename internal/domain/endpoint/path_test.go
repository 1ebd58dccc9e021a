package endpoint

import (
	"errors"
	"testing"
)

func TestParsePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"root", "/", "/", false},
		{"simple", "/api/users", "/api/users", false},
		{"trailing separator", "/api/users/", "/api/users", false},
		{"duplicate separators", "//api///users", "/api/users", false},
		{"wildcard", "/api/*/items", "/api/*/items", false},
		{"named param", "/api/users/:id", "/api/users/:id", false},
		{"allowed punctuation", "/v1.2/a_b-c~d", "/v1.2/a_b-c~d", false},
		{"empty", "", "", true},
		{"no leading separator", "api/users", "", true},
		{"space", "/api/us ers", "", true},
		{"query string", "/api?x=1", "", true},
		{"empty param name", "/api/:", "", true},
		{"partial wildcard", "/api/user*", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := ParsePath(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPath) {
					t.Fatalf("ParsePath(%q) error = %v, want ErrInvalidPath", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePath(%q) error = %v", tt.raw, err)
			}
			if p.String() != tt.want {
				t.Errorf("ParsePath(%q) = %q, want %q", tt.raw, p.String(), tt.want)
			}
		})
	}
}

func TestPath_Equal(t *testing.T) {
	t.Parallel()

	a := MustParsePath("/api/users/")
	b := MustParsePath("//api/users")
	if !a.Equal(b) {
		t.Errorf("%q and %q should be equal after normalization", a, b)
	}
	// Equality is textual, not pattern equivalence.
	if MustParsePath("/api/:id").Equal(MustParsePath("/api/:key")) {
		t.Error("patterns with different parameter names must not be equal")
	}
}

func TestPath_WildcardArity(t *testing.T) {
	t.Parallel()

	p := MustParsePath("/api/*/items")
	tests := []struct {
		candidate string
		want      bool
	}{
		{"/api/x/items", true},
		{"/api/x/items/", true},
		{"/api/items", false},     // zero segments
		{"/api/x/y/items", false}, // two segments
		{"/api/x/Items", false},   // case-sensitive literal
		{"/api/x/items/extra", false},
		{"/api/x", false},
	}
	for _, tt := range tests {
		if got := p.Matches(tt.candidate); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.candidate, got, tt.want)
		}
	}
}

func TestPath_NamedParams(t *testing.T) {
	t.Parallel()

	p := MustParsePath("/api/users/:id/posts/:post")
	params, ok := p.Params("/api/users/42/posts/7")
	if !ok {
		t.Fatal("expected match")
	}
	if params["id"] != "42" || params["post"] != "7" {
		t.Errorf("params = %v", params)
	}
	if p.Matches("/api/users//posts/7") {
		t.Error("a parameter must not match an empty segment")
	}
	if p.Matches("/api/users/42/posts") {
		t.Error("a parameter must not match a missing segment")
	}
}

func TestPath_NoPrefixMatching(t *testing.T) {
	t.Parallel()

	p := MustParsePath("/api")
	if p.Matches("/api/users") {
		t.Error("literal pattern must not match by prefix")
	}
	if p.Matches("/apix") {
		t.Error("literal pattern must not match partially")
	}
	if !MustParsePath("/").Matches("/") {
		t.Error("root must match root")
	}
}

func TestPath_TextRoundTrip(t *testing.T) {
	t.Parallel()

	var p Path
	if err := p.UnmarshalText([]byte("/api//v1/")); err != nil {
		t.Fatal(err)
	}
	b, _ := p.MarshalText()
	if string(b) != "/api/v1" {
		t.Errorf("MarshalText = %q", b)
	}
	if err := p.UnmarshalText([]byte("nope")); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("UnmarshalText error = %v", err)
	}
}
