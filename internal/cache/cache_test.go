package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tiresense/tiresense/internal/domain"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := New(Config{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestGetSetDel(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("Get(missing) = %v, want ErrCacheMiss", err)
	}

	if err := c.Set(ctx, "route:api", "secondary", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := c.Get(ctx, "route:api")
	if err != nil || v != "secondary" {
		t.Errorf("Get = (%q, %v), want secondary", v, err)
	}

	if err := c.Del(ctx, "route:api"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := c.Get(ctx, "route:api"); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("Get after Del = %v, want ErrCacheMiss", err)
	}
}

func TestSet_TTLExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "health:snapshot", "{}", 300*time.Second)
	if ttl := mr.TTL("health:snapshot"); ttl != 300*time.Second {
		t.Errorf("TTL = %v, want 300s", ttl)
	}

	mr.FastForward(301 * time.Second)
	if _, err := c.Get(ctx, "health:snapshot"); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("expired key = %v, want ErrCacheMiss", err)
	}
}

func TestFlushAll(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "a", "1", 0)
	c.Set(ctx, "b", "2", 0)
	if err := c.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if _, err := c.Get(ctx, "a"); !errors.Is(err, domain.ErrCacheMiss) {
		t.Error("keys should be gone after FlushAll")
	}
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(t)
	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// miniredis reports zeros for memory; the parse just must not error and
	// clients must register this connection.
	if stats.UsedMemory < 0 || stats.Clients < 0 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestPing(t *testing.T) {
	c, mr := newTestCache(t)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	mr.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping after server close should fail")
	}
}

func TestInfoInt(t *testing.T) {
	section := "# Memory\r\nused_memory:1048576\r\nused_memory_rss:2097152\r\nmaxmemory:0\r\n"
	if got := infoInt(section, "used_memory"); got != 1048576 {
		t.Errorf("used_memory = %d, want 1048576", got)
	}
	if got := infoInt(section, "maxmemory"); got != 0 {
		t.Errorf("maxmemory = %d, want 0", got)
	}
	if got := infoInt(section, "absent"); got != 0 {
		t.Errorf("absent = %d, want 0", got)
	}
}
