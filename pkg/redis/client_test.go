package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), &Config{Addr: mr.Addr(), DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	if _, err := NewClient(context.Background(), &Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond}); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), &Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	a := NewLock(client, "custody:confirmer", "a", time.Minute)
	b := NewLock(client, "custody:confirmer", "b", time.Minute)

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("a acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("b must not acquire while a holds the lock")
	}
	// b 不能释放 a 的锁
	if err := b.Release(ctx); err != nil {
		t.Fatalf("b release: %v", err)
	}
	if !mr.Exists("custody:confirmer") {
		t.Fatal("lock released by non-owner")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("a release: %v", err)
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("b should acquire after release")
	}
}
