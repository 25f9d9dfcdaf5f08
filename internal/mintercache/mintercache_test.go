package mintercache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ytget/potbroker/internal/netparams"
	"github.com/ytget/potbroker/types"
)

type countingBootstrapper struct {
	calls int32
	delay time.Duration
	err   error
}

func (b *countingBootstrapper) Bootstrap(ctx context.Context, key string, params netparams.Params, override *types.ChallengeProgram) (Minter, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.err != nil {
		return Minter{}, b.err
	}
	return Minter{Key: key, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func TestGetOrBootstrap_SingleFlight(t *testing.T) {
	b := &countingBootstrapper{delay: 50 * time.Millisecond}
	c := NewCache(b, time.Second)

	const n = 20
	var wg sync.WaitGroup
	results := make([]Minter, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := c.GetOrBootstrap(context.Background(), "default", netparams.Params{}, nil)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = m
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&b.calls) != 1 {
		t.Errorf("expected exactly 1 bootstrap call, got %d", b.calls)
	}
	for _, m := range results {
		if m.Key != "default" {
			t.Errorf("expected all callers to observe the same minter, got %+v", m)
		}
	}
}

func TestGetOrBootstrap_CachesFreshEntry(t *testing.T) {
	b := &countingBootstrapper{}
	c := NewCache(b, time.Second)

	if _, err := c.GetOrBootstrap(context.Background(), "default", netparams.Params{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.GetOrBootstrap(context.Background(), "default", netparams.Params{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&b.calls) != 1 {
		t.Errorf("expected second call to hit cache, got %d bootstrap calls", b.calls)
	}
}

func TestGetOrBootstrap_FailureResetsToIdle(t *testing.T) {
	b := &countingBootstrapper{err: errors.New("attestation failed")}
	c := NewCache(b, time.Second)

	if _, err := c.GetOrBootstrap(context.Background(), "default", netparams.Params{}, nil); err == nil {
		t.Fatal("expected error")
	}

	b.err = nil
	m, err := c.GetOrBootstrap(context.Background(), "default", netparams.Params{}, nil)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if m.Key != "default" {
		t.Errorf("unexpected minter: %+v", m)
	}
	if atomic.LoadInt32(&b.calls) != 2 {
		t.Errorf("expected 2 bootstrap attempts, got %d", b.calls)
	}
}

func TestInvalidateIntegrity_DropsReadyEntry(t *testing.T) {
	b := &countingBootstrapper{}
	c := NewCache(b, time.Second)

	c.GetOrBootstrap(context.Background(), "default", netparams.Params{}, nil)
	if len(c.ListKeys()) != 1 {
		t.Fatal("expected one ready entry")
	}

	c.InvalidateIntegrity("default")
	if len(c.ListKeys()) != 0 {
		t.Error("expected entry to be dropped after invalidation")
	}

	c.GetOrBootstrap(context.Background(), "default", netparams.Params{}, nil)
	if atomic.LoadInt32(&b.calls) != 2 {
		t.Errorf("expected re-bootstrap after invalidation, got %d calls", b.calls)
	}
}

func TestListKeys_OnlyReadyFreshEntries(t *testing.T) {
	b := &countingBootstrapper{}
	c := NewCache(b, time.Second)

	c.GetOrBootstrap(context.Background(), "proxy:http://a:1", netparams.Params{}, nil)
	c.GetOrBootstrap(context.Background(), "proxy:http://b:2", netparams.Params{}, nil)

	keys := c.ListKeys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestStaleEntryTriggersRebootstrap(t *testing.T) {
	b := &countingBootstrapper{}
	c := NewCache(b, 2*time.Hour) // safety margin larger than the minter's 1h TTL: always stale

	c.GetOrBootstrap(context.Background(), "default", netparams.Params{}, nil)
	c.GetOrBootstrap(context.Background(), "default", netparams.Params{}, nil)

	if atomic.LoadInt32(&b.calls) != 2 {
		t.Errorf("expected stale entries to trigger re-bootstrap, got %d calls", b.calls)
	}
}
