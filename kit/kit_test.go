package kit

import (
	"context"
	"testing"
)

func TestContextRoundTrips(t *testing.T) {
	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithLocale(ctx, "fr-FR")
	ctx = WithChannel(ctx, "mcp")

	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("request id: got %q", got)
	}
	if got := GetSessionID(ctx); got != "sess-1" {
		t.Errorf("session id: got %q", got)
	}
	if got := GetUserID(ctx); got != "user-1" {
		t.Errorf("user id: got %q", got)
	}
	if got := GetLocale(ctx); got != "fr-FR" {
		t.Errorf("locale: got %q", got)
	}
	if got := GetChannel(ctx); got != "mcp" {
		t.Errorf("channel: got %q", got)
	}
}

func TestGetChannel_DefaultsToWeb(t *testing.T) {
	if got := GetChannel(context.Background()); got != "web" {
		t.Errorf("default channel: got %q, want web", got)
	}
}

func TestGetters_EmptyOnMissing(t *testing.T) {
	ctx := context.Background()
	if GetRequestID(ctx) != "" || GetSessionID(ctx) != "" || GetLocale(ctx) != "" {
		t.Error("expected empty values on bare context")
	}
}
