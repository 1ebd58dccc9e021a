package config

import (
	"reflect"
	"strings"
	"testing"

	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

func TestMarshalUnmarshalEndpoints(t *testing.T) {
	t.Parallel()

	in := []endpoint.Descriptor{
		{Path: "/health", Verb: "GET", Visibility: endpoint.VisibilityPublic, Active: true},
		{
			Path:        "/api/users/:id",
			Verb:        "GET",
			Visibility:  endpoint.VisibilityProtected,
			Description: "read a user",
			Active:      false,
			RateLimit:   &ratelimit.LimitSpec{MaxRequests: 5, WindowSeconds: 30},
		},
	}

	data, err := MarshalEndpoints(in)
	if err != nil {
		t.Fatalf("MarshalEndpoints() error = %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "endpoints:\n") {
		t.Errorf("document does not start with endpoints key:\n%s", text)
	}
	if strings.Count(text, "active: false") != 1 {
		t.Errorf("only the inactive endpoint should carry active:\n%s", text)
	}

	out, err := UnmarshalEndpoints(data)
	if err != nil {
		t.Fatalf("UnmarshalEndpoints() error = %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestUnmarshalEndpoints_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", "endpoints:\n  - path: /a\n    verb: GET\n    visibility: public\n    colour: red\n", "colour"},
		{"bad verb", "endpoints:\n  - path: /a\n    verb: BREW\n    visibility: public\n", "HTTP method"},
		{"bad path", "endpoints:\n  - path: a\n    verb: GET\n    visibility: public\n", "path"},
		{"duplicate", "endpoints:\n  - path: /a/\n    verb: GET\n    visibility: public\n  - path: /a\n    verb: get\n    visibility: public\n", "duplicate"},
		{"empty", "endpoints: []\n", "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := UnmarshalEndpoints([]byte(tt.doc))
			if err == nil {
				t.Fatal("UnmarshalEndpoints() error = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}
