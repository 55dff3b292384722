package auth

import (
	"context"
	"errors"
	"testing"
)

func TestTokenValidator(t *testing.T) {
	v := NewTokenValidator("secret-token")
	ctx := context.Background()

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid token", token: "secret-token"},
		{name: "wrong token", token: "wrong-token", wantErr: true},
		{name: "empty token", token: "", wantErr: true},
		{name: "prefix of token", token: "secret", wantErr: true},
		{name: "token with suffix", token: "secret-token-extra", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			principal, err := v.Validate(ctx, tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("expected ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if principal.Name != "service" || !principal.Admin {
				t.Errorf("unexpected principal: %+v", principal)
			}
		})
	}
}

func TestAllowAll(t *testing.T) {
	v := AllowAll{}
	principal, err := v.Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if principal.Name != "anonymous" {
		t.Errorf("unexpected principal name: %q", principal.Name)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{name: "standard", header: "Bearer abc123", expected: "abc123"},
		{name: "lowercase scheme", header: "bearer abc123", expected: "abc123"},
		{name: "extra whitespace", header: "Bearer   abc123", expected: "abc123"},
		{name: "empty header", header: "", expected: ""},
		{name: "wrong scheme", header: "Basic abc123", expected: ""},
		{name: "scheme only", header: "Bearer ", expected: ""},
		{name: "bare token", header: "abc123", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BearerToken(tt.header); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}
