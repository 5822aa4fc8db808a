// Package adapters implements provider adapters for cloud APIs and
// OpenAI-compatible local runtimes. Adapters register themselves via
// init(); import the package blank to make them available:
//
//	import _ "github.com/c360studio/modelmesh/provider/adapters"
package adapters

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/modelmesh/provider"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// defaultTimeout allows time for slow model responses.
const defaultTimeout = 180 * time.Second

// chunkBuffer bounds how far a stream producer can run ahead of its consumer.
const chunkBuffer = 16

// httpClient is shared by all adapters. Per-invocation deadlines come
// from the request context, not the client.
var httpClient = &http.Client{}

// apiKey resolves the credential for a descriptor: the descriptor's
// CredentialRef wins, then the adapter's conventional variable.
func apiKey(d provider.Descriptor, conventionalVar string) string {
	if d.CredentialRef != "" {
		return os.Getenv(d.CredentialRef)
	}
	return os.Getenv(conventionalVar)
}

// doJSON posts body to url with headers and returns the response body,
// classifying transport and HTTP failures.
func doJSON(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error) {
	resp, err := doHTTP(ctx, url, body, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyHTTPStatus(resp.StatusCode, respBody, retryAfterHint(resp))
	}

	return respBody, nil
}

// doHTTP executes the POST and classifies connection-level failures.
// The caller owns the response body on success.
func doHTTP(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidResponse, err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	return resp, nil
}

// classifyTransport maps network-level failures to the error taxonomy.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.NewError(provider.KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return provider.NewError(provider.KindTimeout, err)
	}
	return provider.NewError(provider.KindProviderUnavailable, err)
}

// retryAfterHint parses the Retry-After header when present.
func retryAfterHint(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// invokeTimeout picks the effective deadline for one invocation.
func invokeTimeout(opts provider.Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return defaultTimeout
}

// cancelOnClose relays chunks and releases the stream's context once the
// producer closes, so per-stream deadlines don't leak.
func cancelOnClose(in <-chan provider.Chunk, cancel context.CancelFunc) <-chan provider.Chunk {
	out := make(chan provider.Chunk, chunkBuffer)
	go func() {
		defer cancel()
		defer close(out)
		for c := range in {
			out <- c
		}
	}()
	return out
}

// streamSSE opens an SSE stream and feeds "data:" payloads to parse,
// which converts each event into zero or more chunks. The stream channel
// is closed after a final chunk, an error chunk, or context cancellation.
func streamSSE(ctx context.Context, url string, body []byte, headers map[string]string,
	parse func(data string, emit func(provider.Chunk)) (done bool)) (<-chan provider.Chunk, error) {

	resp, err := doHTTP(ctx, url, body, headers)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		return nil, provider.ClassifyHTTPStatus(resp.StatusCode, respBody, retryAfterHint(resp))
	}

	chunks := make(chan provider.Chunk, chunkBuffer)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		emit := func(c provider.Chunk) {
			select {
			case chunks <- c:
			case <-ctx.Done():
			}
		}

		for scanner.Scan() {
			if ctx.Err() != nil {
				emit(provider.Chunk{Err: ctx.Err()})
				return
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
				continue
			}
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}

			if parse(strings.TrimSpace(data), emit) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			emit(provider.Chunk{Err: classifyTransport(err)})
			return
		}

		// Stream ended without an explicit terminator; treat as final.
		emit(provider.Chunk{Final: true})
	}()

	return chunks, nil
}
