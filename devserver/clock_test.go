package devserver

import (
	"context"
	"testing"
	"time"
)

func TestClock_SkipAndLock(t *testing.T) {
	base := time.Unix(1000, 0)
	c := &Clock{now: func() time.Time { return base }}

	if err := c.Sleep(context.Background(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if got := c.Now(); !got.Equal(base.Add(time.Minute)) {
		t.Fatalf("Expected skipped minute, got %v", got)
	}

	c.Lock()
	if c.Skipping() {
		t.Fatal("Expected skipping disabled while locked")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Sleep(ctx, time.Hour); err == nil {
		t.Fatal("Expected locked sleep to be interrupted by context")
	}

	if err := c.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := c.Unlock(); err == nil {
		t.Fatal("Expected error on unbalanced unlock")
	}
}
