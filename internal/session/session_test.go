package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ytget/potbroker/errs"
	"github.com/ytget/potbroker/internal/mintercache"
	"github.com/ytget/potbroker/internal/netparams"
	"github.com/ytget/potbroker/internal/vm"
	"github.com/ytget/potbroker/types"
)

// newInterpreterServer serves a BotGuard interpreter whose integrity token
// embeds the request count. The VM driver caches the script by URL, so
// calls counts interpreter downloads, not VM runs; countAttestations counts
// the latter.
func newInterpreterServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		fmt.Fprintf(w, `
			function bgAttest(payload) {
				return {integrityToken: "tok-%d", expiresInSeconds: 3600};
			}
		`, n)
	}))
}

// countingBootstrapper counts Bootstrap calls before delegating to inner.
type countingBootstrapper struct {
	inner mintercache.Bootstrapper
	calls int32
}

func (b *countingBootstrapper) Bootstrap(ctx context.Context, key string, params netparams.Params, override *types.ChallengeProgram) (mintercache.Minter, error) {
	atomic.AddInt32(&b.calls, 1)
	return b.inner.Bootstrap(ctx, key, params, override)
}

// countAttestations gives m a fresh minter cache whose bootstraps are
// counted and returns the counter. With a caller-supplied challenge each
// bootstrap runs exactly one VM attestation.
func countAttestations(m *Manager, vmTimeout time.Duration) *int32 {
	boot := &countingBootstrapper{inner: &botguardBootstrapper{vmDrv: vm.NewDriver(&fetcherAdapter{}, vmTimeout)}}
	m.minters = mintercache.NewCache(boot, 0)
	return &boot.calls
}

func TestGenerate_ColdMinterAndPot(t *testing.T) {
	var calls int32
	srv := newInterpreterServer(t, &calls)
	defer srv.Close()

	m, err := NewManager(Options{TokenTTL: time.Hour, VMTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	req := types.PotRequest{
		ContentBinding: "L3KvsX8hJss",
		Challenge:      &types.ChallengeProgram{InterpreterURL: srv.URL, GlobalName: "g"},
	}

	resp, err := m.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.ContentBinding != "L3KvsX8hJss" {
		t.Errorf("unexpected content binding: %q", resp.ContentBinding)
	}
	if resp.POToken == "" {
		t.Error("expected non-empty po_token")
	}
	if resp.Context != types.DefaultContext {
		t.Errorf("expected context %q, got %q", types.DefaultContext, resp.Context)
	}

	if keys := m.ListMinterCache(); len(keys) != 1 || keys[0] != "default" {
		t.Errorf("expected [\"default\"], got %v", keys)
	}
}

func TestGenerate_CachedHitReusesToken(t *testing.T) {
	var calls int32
	srv := newInterpreterServer(t, &calls)
	defer srv.Close()

	m, _ := NewManager(Options{TokenTTL: time.Hour, VMTimeout: 2 * time.Second})
	attests := countAttestations(m, 2*time.Second)
	req := types.PotRequest{
		ContentBinding: "X",
		Challenge:      &types.ChallengeProgram{InterpreterURL: srv.URL, GlobalName: "g"},
	}

	first, err := m.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	second, err := m.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if first.POToken != second.POToken {
		t.Errorf("expected cached token, got %q vs %q", first.POToken, second.POToken)
	}
	if atomic.LoadInt32(attests) != 1 {
		t.Errorf("expected exactly 1 VM attestation, got %d", atomic.LoadInt32(attests))
	}
}

func TestGenerate_BypassCacheForcesNewMint(t *testing.T) {
	var calls int32
	srv := newInterpreterServer(t, &calls)
	defer srv.Close()

	m, _ := NewManager(Options{TokenTTL: time.Hour, VMTimeout: 2 * time.Second})
	attests := countAttestations(m, 2*time.Second)
	base := types.PotRequest{
		ContentBinding: "X",
		Challenge:      &types.ChallengeProgram{InterpreterURL: srv.URL, GlobalName: "g"},
	}
	bypass := base
	bypass.BypassCache = true

	if _, err := m.Generate(context.Background(), base); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := m.Generate(context.Background(), bypass); err != nil {
		t.Fatalf("Generate bypass: %v", err)
	}

	// Attestation is still cached at the minter level; bypass only forces a
	// fresh mint, which for this derivation is a pure function of the same
	// integrity token — so VM attestation should not re-run.
	if atomic.LoadInt32(attests) != 1 {
		t.Errorf("expected bypass_cache to not re-attest, got %d calls", atomic.LoadInt32(attests))
	}
}

func TestGenerate_DistinctProxiesBootstrapIndependently(t *testing.T) {
	var calls int32
	srv := newInterpreterServer(t, &calls)
	defer srv.Close()

	m, _ := NewManager(Options{TokenTTL: time.Hour, VMTimeout: 2 * time.Second})

	var wg sync.WaitGroup
	for _, proxy := range []string{"http://a:1", "http://b:2"} {
		wg.Add(1)
		go func(proxy string) {
			defer wg.Done()
			req := types.PotRequest{
				ContentBinding: "X",
				Proxy:          proxy,
				Challenge:      &types.ChallengeProgram{InterpreterURL: srv.URL, GlobalName: "g"},
			}
			if _, err := m.Generate(context.Background(), req); err != nil {
				t.Errorf("Generate(%s): %v", proxy, err)
			}
		}(proxy)
	}
	wg.Wait()

	keys := m.ListMinterCache()
	if len(keys) != 2 {
		t.Fatalf("expected 2 minter keys, got %v", keys)
	}
}

func TestGenerate_DeprecatedFieldRejected(t *testing.T) {
	m, _ := NewManager(Options{TokenTTL: time.Hour, VMTimeout: 2 * time.Second})

	visitorData := "abc"
	req := types.PotRequest{VisitorData: &visitorData}

	_, err := m.Generate(context.Background(), req)
	if err == nil {
		t.Fatal("expected deprecation guard to reject request")
	}
	if !errs.IsValidation(err) {
		t.Errorf("expected validation category, got %v", err)
	}
}

func TestInvalidateIntegrity_ForcesRebootstrap(t *testing.T) {
	var calls int32
	srv := newInterpreterServer(t, &calls)
	defer srv.Close()

	m, _ := NewManager(Options{TokenTTL: time.Hour, VMTimeout: 2 * time.Second})
	attests := countAttestations(m, 2*time.Second)
	req := types.PotRequest{
		ContentBinding: "X",
		Challenge:      &types.ChallengeProgram{InterpreterURL: srv.URL, GlobalName: "g"},
	}

	if _, err := m.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	m.InvalidateIntegrity()
	if _, err := m.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate after invalidate: %v", err)
	}

	if atomic.LoadInt32(attests) != 2 {
		t.Errorf("expected fresh bootstrap after invalidate_integrity, got %d calls", atomic.LoadInt32(attests))
	}
}

func TestInvalidateCaches_KeepsMinterButRemints(t *testing.T) {
	var calls int32
	srv := newInterpreterServer(t, &calls)
	defer srv.Close()

	m, _ := NewManager(Options{TokenTTL: time.Hour, VMTimeout: 2 * time.Second})
	attests := countAttestations(m, 2*time.Second)
	req := types.PotRequest{
		ContentBinding: "X",
		Challenge:      &types.ChallengeProgram{InterpreterURL: srv.URL, GlobalName: "g"},
	}

	if _, err := m.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	m.InvalidateCaches()
	if _, err := m.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate after invalidate_caches: %v", err)
	}

	if atomic.LoadInt32(attests) != 1 {
		t.Errorf("expected minter cache to survive invalidate_caches, got %d attestations", atomic.LoadInt32(attests))
	}
	if keys := m.ListMinterCache(); len(keys) != 1 {
		t.Errorf("expected minter cache untouched, got %v", keys)
	}
}
