package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilLocker(t *testing.T) {
	l := NewLocker(nil)
	if l != nil {
		t.Fatalf("expected nil locker for nil client")
	}
	if _, _, err := l.TryLock(context.Background(), "k", time.Second); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := l.Release(context.Background(), "k", "token"); err != nil {
		t.Fatalf("release on nil locker: %v", err)
	}
}
