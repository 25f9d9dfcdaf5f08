// Package challenge implements Module B: fetching and parsing the current
// BotGuard Challenge Program for a well-known request key.
package challenge

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/ytget/potbroker/errs"
	"github.com/ytget/potbroker/internal/logger"
	"github.com/ytget/potbroker/internal/netparams"
	"github.com/ytget/potbroker/types"
)

// RequestKey is the well-known, Google-issued BotGuard request key
// (spec.md §4.B).
const RequestKey = "O43z0dpjhgX20SCx4KAo"

const (
	defaultTimeout = 30 * time.Second
	maxAttempts    = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 8 * time.Second
)

// createSessionURL is Google's BotGuard session-creation endpoint. A var
// (not a const) so tests can redirect it at an httptest.Server.
var createSessionURL = "https://www.youtube.com/api/jnn/v1/create_session"

// Fetcher retrieves Challenge Programs and interpreter scripts from Google.
// It also implements vm.InterpreterFetcher, since both endpoints are
// reached through the same tuned client.
type Fetcher struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewFetcher builds a Fetcher using httpClient (constructed by
// internal/netparams for the caller's proxy/source-address/TLS settings).
func NewFetcher(httpClient *http.Client) *Fetcher {
	return &Fetcher{httpClient: httpClient, timeout: defaultTimeout}
}

// FetchChallenge retrieves the current Challenge Program for RequestKey.
// Network failures and 5xx responses are tried up to maxAttempts times in
// total, with exponential backoff between attempts;
// malformed bodies are returned immediately without a retry loop
// (spec.md §4.B: "malformed body → Permanent for this attempt").
func (f *Fetcher) FetchChallenge(ctx context.Context) (types.ChallengeProgram, error) {
	log := logger.WithComponent(logger.ComponentChallenge)

	url := fmt.Sprintf("%s?key=%s", createSessionURL, RequestKey)

	var lastErr error
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, err := f.doGet(ctx, url)
		if err != nil {
			if strings.HasPrefix(err.Error(), "permanent:") {
				return types.ChallengeProgram{}, errs.Attestation("challenge endpoint rejected request").WithDetails(errs.Details{Message: err.Error()})
			}
			lastErr = err
			log.Warn("challenge fetch attempt failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			if attempt == maxAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return types.ChallengeProgram{}, errs.TransientUpstream("challenge fetch cancelled")
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		program, perr := parseChallengeBody(body)
		if perr != nil {
			return types.ChallengeProgram{}, errs.Attestation("malformed challenge response").WithDetails(errs.Details{Message: perr.Error()})
		}
		return program, nil
	}

	return types.ChallengeProgram{}, errs.TransientUpstream("fetch challenge program").WithDetails(errs.Details{Message: lastErr.Error()})
}

// Fetch retrieves raw bytes from a Google-hosted interpreter URL, decoding
// whatever Content-Encoding Google used. Satisfies vm.InterpreterFetcher.
func (f *Fetcher) Fetch(ctx context.Context, interpreterURL string) ([]byte, error) {
	return f.doGet(ctx, interpreterURL)
}

func (f *Fetcher) doGet(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", netparams.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("permanent: upstream returned %d", resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gzReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("create deflate reader: %w", err)
		}
		defer zr.Close()
		reader = zr
	case "bzip2":
		reader = bzip2.NewReader(resp.Body)
	}

	return io.ReadAll(reader)
}

// parseChallengeBody accepts Google's `["...", [nested json string]]`
// wrapper (the BotGuard session-creation response nests its actual payload
// one or more array levels deep, same shape
// youtube/innertube/innertube.go's ytcfg.set(...) scraping tolerates) as
// well as a bare legacy string payload, collapsing either to
// ChallengeProgram. The nested payload is found by descending into the
// last element of each array level until a JSON string is reached.
func parseChallengeBody(body []byte) (types.ChallengeProgram, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return types.ChallengeProgram{}, fmt.Errorf("empty response body")
	}

	leaf, err := lastStringLeaf(json.RawMessage(body))
	if err != nil {
		return types.ChallengeProgram{}, err
	}
	return decodeChallengeElement(leaf)
}

// lastStringLeaf descends into the last element of nested JSON arrays
// until it reaches a value that is not an array (normally a JSON string),
// returning that value as raw JSON.
func lastStringLeaf(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty element")
	}
	if trimmed[0] != '[' {
		return trimmed, nil
	}

	var array []json.RawMessage
	if err := json.Unmarshal(trimmed, &array); err != nil {
		return nil, fmt.Errorf("decode array element: %w", err)
	}
	if len(array) == 0 {
		return nil, fmt.Errorf("empty array element")
	}
	return lastStringLeaf(array[len(array)-1])
}

func decodeChallengeElement(raw json.RawMessage) (types.ChallengeProgram, error) {
	var nestedString string
	if err := json.Unmarshal(raw, &nestedString); err == nil {
		var program types.ChallengeProgram
		if err := json.Unmarshal([]byte(nestedString), &program); err == nil && !program.IsZero() {
			return program, nil
		}
		// The nested string wasn't itself a structured payload; treat the
		// whole string as the legacy program body.
		return types.ChallengeProgram{Program: nestedString}, nil
	}

	var program types.ChallengeProgram
	if err := json.Unmarshal(raw, &program); err != nil {
		return types.ChallengeProgram{}, fmt.Errorf("decode challenge element: %w", err)
	}
	return program, nil
}
