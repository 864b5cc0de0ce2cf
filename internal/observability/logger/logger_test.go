package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/courier/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-9")
	ctx = obscontext.WithProvider(ctx, "stripe")
	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-9" {
		t.Fatalf("expected request_id, got %v", fields["request_id"])
	}
	if fields["provider"] != "stripe" {
		t.Fatalf("expected provider, got %v", fields["provider"])
	}
	if _, ok := fields["org_id"]; ok {
		t.Fatalf("org_id should be omitted when unset")
	}
}

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                                  "SELECT",
		"  insert into outbox_events values (1)":    "INSERT",
		"WITH c AS (SELECT 1) UPDATE t SET x = 1":   "SELECT",
		"":                                          "UNKNOWN",
		"VACUUM":                                    "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}
