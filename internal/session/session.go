// Package session implements Module F: the public façade composing Minter
// Key Derivation, the Minter Cache (via the Challenge Fetcher and VM
// Attestation Driver), and the POT Cache. Adapted from the teacher's
// ytdlp.go Downloader — a single chainably-constructed struct wrapping the
// layers beneath it — generalized from video download to POT minting.
package session

import (
	"context"
	"time"

	"github.com/ytget/potbroker/errs"
	"github.com/ytget/potbroker/internal/challenge"
	"github.com/ytget/potbroker/internal/logger"
	"github.com/ytget/potbroker/internal/minterkey"
	"github.com/ytget/potbroker/internal/mintercache"
	"github.com/ytget/potbroker/internal/netparams"
	"github.com/ytget/potbroker/internal/potcache"
	"github.com/ytget/potbroker/internal/vm"
	"github.com/ytget/potbroker/types"
)

// Options configures a Manager.
type Options struct {
	TokenTTL     time.Duration
	MaxEntries   int
	SafetyMargin time.Duration
	VMTimeout    time.Duration
	FileCacheDir string
}

// Manager is the Session Manager façade (spec.md §4.F).
type Manager struct {
	minters *mintercache.Cache
	pots    *potcache.Cache
}

// NewManager wires the full stack: a botguardBootstrapper (challenge fetch
// + VM attestation) behind the Minter Cache, and a POT Cache in front of
// it, optionally backed by a file cache under opts.FileCacheDir.
func NewManager(opts Options) (*Manager, error) {
	var fileCache *potcache.FileCache
	if opts.FileCacheDir != "" {
		fc, err := potcache.NewFileCache(opts.FileCacheDir)
		if err != nil {
			return nil, errs.Internal("initialize file cache").WithDetails(errs.Details{Message: err.Error()})
		}
		fileCache = fc
	}

	vmDrv := vm.NewDriver(&fetcherAdapter{}, opts.VMTimeout)
	boot := &botguardBootstrapper{vmDrv: vmDrv}

	return &Manager{
		minters: mintercache.NewCache(boot, opts.SafetyMargin),
		pots: potcache.NewCache(potcache.Options{
			TokenTTL:   opts.TokenTTL,
			MaxEntries: opts.MaxEntries,
			FileCache:  fileCache,
		}),
	}, nil
}

// fetcherAdapter satisfies vm.InterpreterFetcher by building a fresh
// challenge.Fetcher per call — the VM Attestation Driver caches interpreter
// bytes itself, so this only needs to reach the network on a genuine miss,
// using whatever netparams.Params the bootstrap step attached to ctx.
type fetcherAdapter struct{}

func (f *fetcherAdapter) Fetch(ctx context.Context, interpreterURL string) ([]byte, error) {
	params, _ := paramsFromContext(ctx)
	client, err := netparams.NewClient(params)
	if err != nil {
		return nil, err
	}
	return challenge.NewFetcher(client).Fetch(ctx, interpreterURL)
}

type paramsCtxKey struct{}

func withParams(ctx context.Context, p netparams.Params) context.Context {
	return context.WithValue(ctx, paramsCtxKey{}, p)
}

func paramsFromContext(ctx context.Context) (netparams.Params, bool) {
	p, ok := ctx.Value(paramsCtxKey{}).(netparams.Params)
	return p, ok
}

// botguardBootstrapper implements mintercache.Bootstrapper: fetch (or
// accept an override) Challenge Program, then run VM attestation.
type botguardBootstrapper struct {
	vmDrv *vm.Driver
}

func (b *botguardBootstrapper) Bootstrap(ctx context.Context, key string, params netparams.Params, override *types.ChallengeProgram) (mintercache.Minter, error) {
	ctx = withParams(ctx, params)

	var program types.ChallengeProgram
	if override != nil && !override.IsZero() {
		program = *override
	} else {
		client, err := netparams.NewClient(params)
		if err != nil {
			return mintercache.Minter{}, errs.Internal("build outbound client").WithDetails(errs.Details{Message: err.Error()})
		}
		fetched, err := challenge.NewFetcher(client).FetchChallenge(ctx)
		if err != nil {
			return mintercache.Minter{}, err
		}
		program = fetched
	}

	integrity, err := b.vmDrv.Attest(ctx, program)
	if err != nil {
		return mintercache.Minter{}, err
	}

	expiresAt := integrity.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(mintercache.DefaultSafetyMargin * 10)
	}

	return mintercache.Minter{
		Key:       key,
		Integrity: integrity,
		ExpiresAt: expiresAt,
		Program:   program,
	}, nil
}

// Generate derives the Minter Key, obtains a fresh Minter (bootstrapping or
// reusing per single-flight discipline), and returns a minted POT
// (spec.md §4.F).
func (m *Manager) Generate(ctx context.Context, req types.PotRequest) (types.PotResponse, error) {
	log := logger.WithComponent(logger.ComponentSession)

	if req.HasDeprecatedFields() {
		return types.PotResponse{}, errs.Validation("data_sync_id and visitor_data are no longer accepted at the top level; encode identity into content_binding")
	}
	if req.ContentBinding == "" {
		return types.PotResponse{}, errs.Validation("content_binding is required").WithDetails(errs.Details{Field: "content_binding"})
	}

	mkParams := minterkey.Params{
		Proxy:                  req.Proxy,
		SourceAddress:          req.SourceAddress,
		DisableTLSVerification: req.DisableTLSVerification,
		DisableInnertube:       req.DisableInnertube,
	}
	key := minterkey.Derive(mkParams)

	npParams := netparams.Params{
		Proxy:                  req.Proxy,
		SourceAddress:          req.SourceAddress,
		DisableTLSVerification: req.DisableTLSVerification,
	}

	minter, err := m.minters.GetOrBootstrap(ctx, key, npParams, req.Challenge)
	if err != nil {
		log.Error("bootstrap failed", map[string]interface{}{"minter_key": key, "error": err.Error()})
		return types.PotResponse{}, err
	}

	entry, err := m.pots.GetOrMint(ctx, key, req.ContentBinding, minter, req.BypassCache)
	if err != nil {
		log.Error("mint failed", map[string]interface{}{"minter_key": key, "error": err.Error()})
		return types.PotResponse{}, err
	}

	return types.PotResponse{
		POToken:        entry.Token,
		ExpiresAt:      entry.ExpiresAt.UTC().Format(time.RFC3339),
		ContentBinding: entry.ContentBinding,
		Context:        entry.Context,
	}, nil
}

// InvalidateCaches clears the POT Cache entirely, leaving the Minter Cache
// intact (spec.md §4.F).
func (m *Manager) InvalidateCaches() {
	m.pots.InvalidateAll()
}

// InvalidateIntegrity clears the Minter Cache. Future POT lookups require
// a fresh minter, so the POT Cache is also cleared for simplicity, per
// spec.md §4.F's "implementations may also clear POT Cache".
func (m *Manager) InvalidateIntegrity() {
	m.minters.InvalidateIntegrity("")
	m.pots.InvalidateAll()
}

// ListMinterCache returns canonical Minter Key strings for every Ready,
// fresh entry (spec.md §4.F).
func (m *Manager) ListMinterCache() []string {
	return m.minters.ListKeys()
}
