// Package vm implements Module C: a single-use goja sandbox that executes a
// BotGuard challenge program and extracts an integrity token.
package vm

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/ytget/potbroker/errs"
	"github.com/ytget/potbroker/internal/logger"
	"github.com/ytget/potbroker/types"
)

const (
	// DefaultTimeout is the default vm_timeout (spec.md §4.C).
	DefaultTimeout = 5 * time.Second
	// MaxTimeout is the configurable ceiling on vm_timeout.
	MaxTimeout = 30 * time.Second
)

// IntegrityToken is the attestation result the VM Attestation Driver
// produces: opaque bytes plus a validity window.
type IntegrityToken struct {
	Token     string
	ExpiresAt time.Time
}

// InterpreterFetcher retrieves the interpreter script named by a Challenge
// Program's InterpreterURL. Separated from Driver so tests can substitute a
// fixture without standing up an HTTP server.
type InterpreterFetcher interface {
	Fetch(ctx context.Context, interpreterURL string) ([]byte, error)
}

// Driver runs the attestation routine of a Challenge Program inside a
// fresh goja.Runtime per call. It never retains JS objects across calls
// (spec.md §4.C: "every sandbox is single-use").
type Driver struct {
	fetcher InterpreterFetcher
	timeout time.Duration

	mu              sync.Mutex
	interpreterByID map[string][]byte // keyed by InterpreterHash
}

// NewDriver builds a Driver with the given interpreter fetcher and hard
// timeout. A zero or negative timeout uses DefaultTimeout; values above
// MaxTimeout are clamped.
func NewDriver(fetcher InterpreterFetcher, timeout time.Duration) *Driver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	return &Driver{
		fetcher:         fetcher,
		timeout:         timeout,
		interpreterByID: make(map[string][]byte),
	}
}

// Attest executes program's attestation entry point and returns the
// resulting integrity token.
func (d *Driver) Attest(ctx context.Context, program types.ChallengeProgram) (IntegrityToken, error) {
	log := logger.WithComponent(logger.ComponentVM)

	interpreter, err := d.interpreterScript(ctx, program)
	if err != nil {
		return IntegrityToken{}, errs.TransientUpstream("fetch interpreter script").WithDetails(errs.Details{Message: err.Error()})
	}

	rt := goja.New()
	_ = rt.Set("console", map[string]any{"log": func(...any) {}})

	payload, err := json.Marshal(map[string]any{
		"challengeId": program.ChallengeID,
		"program":     program.Program,
	})
	if err != nil {
		return IntegrityToken{}, errs.Attestation("encode challenge payload")
	}
	var payloadObj map[string]any
	if err := json.Unmarshal(payload, &payloadObj); err != nil {
		return IntegrityToken{}, errs.Attestation("decode challenge payload")
	}

	globalName := program.GlobalName
	if globalName == "" {
		globalName = "__bgChallenge"
	}
	if err := rt.Set(globalName, payloadObj); err != nil {
		return IntegrityToken{}, errs.Attestation("bind challenge payload")
	}

	timer := time.AfterFunc(d.timeout, func() {
		rt.Interrupt("vm_timeout exceeded")
	})
	defer timer.Stop()

	if _, err := rt.RunScript("interpreter.js", string(interpreter)); err != nil {
		if isInterrupt(err) {
			return IntegrityToken{}, errs.TransientUpstream("vm attestation timed out")
		}
		return IntegrityToken{}, errs.Attestation("run interpreter script").WithDetails(errs.Details{Message: err.Error()})
	}

	fn, ok := goja.AssertFunction(rt.Get("bgAttest"))
	if !ok {
		return IntegrityToken{}, errs.Attestation("bgAttest entry point not found")
	}

	res, err := fn(goja.Undefined(), rt.Get(globalName))
	if err != nil {
		if isInterrupt(err) {
			return IntegrityToken{}, errs.TransientUpstream("vm attestation timed out")
		}
		log.Warn("attestation script threw", map[string]interface{}{"error": err.Error()})
		return IntegrityToken{}, errs.Attestation("bgAttest raised an exception").WithDetails(errs.Details{Message: err.Error()})
	}

	return extractResult(rt, res)
}

func extractResult(rt *goja.Runtime, res goja.Value) (IntegrityToken, error) {
	if goja.IsUndefined(res) || goja.IsNull(res) {
		return IntegrityToken{}, errs.Attestation("bgAttest returned undefined/null")
	}

	if str, ok := res.Export().(string); ok {
		return IntegrityToken{Token: str}, nil
	}

	obj := res.ToObject(rt)
	if obj == nil {
		return IntegrityToken{}, errs.Attestation("unexpected bgAttest return type")
	}

	var out IntegrityToken
	if v := obj.Get("integrityToken"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		out.Token = v.String()
	}
	if v := obj.Get("expiresInSeconds"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		if secs, ok := toInt64(v.Export()); ok && secs > 0 {
			out.ExpiresAt = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	if out.Token == "" {
		return IntegrityToken{}, errs.Attestation("bgAttest result missing integrityToken")
	}
	return out, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func isInterrupt(err error) bool {
	_, ok := err.(*goja.InterruptedError)
	return ok
}

// interpreterScript returns the cached interpreter bytes for program,
// fetching and caching by hash on a miss (grounded on
// youtube/cipher/cipher.go's playerJSCache shape).
func (d *Driver) interpreterScript(ctx context.Context, program types.ChallengeProgram) ([]byte, error) {
	key := interpreterCacheKey(program)

	d.mu.Lock()
	if cached, ok := d.interpreterByID[key]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	script, err := d.fetcher.Fetch(ctx, program.InterpreterURL)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.interpreterByID[key] = script
	d.mu.Unlock()
	return script, nil
}

func interpreterCacheKey(program types.ChallengeProgram) string {
	if program.InterpreterHash != "" {
		return program.InterpreterHash
	}
	sum := sha256.Sum256([]byte(program.InterpreterURL))
	return fmt.Sprintf("%x", sum[:])
}
