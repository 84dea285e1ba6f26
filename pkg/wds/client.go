// Copyright 2025 The wdsmirror Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wds wraps the four Statistics Canada Web Data Service operations
// the mirror depends on. The client is a pure network adapter: it returns
// payload bytes or decoded change lists and never touches disk or database.
package wds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production WDS REST root.
const DefaultBaseURL = "https://www150.statcan.gc.ca/t1/wds/rest"

const defaultUserAgent = "wdsmirror/1.0 (+https://github.com/statops/wdsmirror)"

// Politeness floors demanded by the service operator. Metadata calls are
// cheap; full table downloads are not.
const (
	metadataInterval = time.Second
	cubeInterval     = 2 * time.Second
)

// statusOK is the WDS envelope success marker.
const statusOK = "SUCCESS"

// ErrNotSuccess reports an envelope whose status field was not SUCCESS.
var ErrNotSuccess = errors.New("wds: response status not SUCCESS")

// Change is one entry of getChangedCubeList: a cube whose data was revised
// on the queried date.
type Change struct {
	ProductID   int64     `json:"productId"`
	ReleaseTime time.Time `json:"releaseTime"`
}

// Opts configures a Client.
type Opts struct {
	// BaseURL overrides DefaultBaseURL, mainly for tests.
	BaseURL string
	// UserAgent sent on every request. The WDS operator requires one.
	UserAgent string
	// Timeout bounds each individual HTTP exchange. Zero means 30s for
	// JSON endpoints; cube downloads always get CubeTimeout.
	Timeout time.Duration
	// CubeTimeout bounds the second-stage ZIP download. Zero means 5m.
	CubeTimeout time.Duration
	// Attempts is the per-call retry budget for transient failures.
	// Zero means 3.
	Attempts uint
}

// Client talks to the WDS endpoints with bounded retries and a politeness
// delay between calls to the same endpoint class. Safe for concurrent use;
// the rate limiters serialize politeness across goroutines.
type Client struct {
	base        string
	userAgent   string
	timeout     time.Duration
	cubeTimeout time.Duration
	attempts    uint

	httpClient *http.Client

	metaLimiter *rate.Limiter
	cubeLimiter *rate.Limiter
}

// New returns a ready client.
func New(opts Opts) *Client {
	c := &Client{
		base:        strings.TrimSuffix(opts.BaseURL, "/"),
		userAgent:   opts.UserAgent,
		timeout:     opts.Timeout,
		cubeTimeout: opts.CubeTimeout,
		attempts:    opts.Attempts,
		httpClient:  cleanhttp.DefaultPooledClient(),
		metaLimiter: rate.NewLimiter(rate.Every(metadataInterval), 1),
		cubeLimiter: rate.NewLimiter(rate.Every(cubeInterval), 1),
	}
	if c.base == "" {
		c.base = DefaultBaseURL
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.timeout == 0 {
		c.timeout = 30 * time.Second
	}
	if c.cubeTimeout == 0 {
		c.cubeTimeout = 5 * time.Minute
	}
	if c.attempts == 0 {
		c.attempts = 3
	}
	return c
}

// ListAllCubes fetches the full cube catalog (the spine snapshot) and
// returns the raw JSON payload for content addressing.
func (c *Client) ListAllCubes(ctx context.Context) ([]byte, error) {
	if err := c.metaLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.get(ctx, c.base+"/getAllCubesListLite", c.timeout)
}

// ChangedCubeList returns the cubes revised on the given date. Entries whose
// responseStatusCode is non-zero are dropped; the service uses them to flag
// per-cube lookup problems, not changes.
func (c *Client) ChangedCubeList(ctx context.Context, day time.Time) ([]Change, error) {
	if err := c.metaLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/getChangedCubeList/%s", c.base, day.Format("2006-01-02"))
	body, err := c.get(ctx, url, c.timeout)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Status string `json:"status"`
		Object []struct {
			ProductID          int64     `json:"productId"`
			ReleaseTime        time.Time `json:"releaseTime"`
			ResponseStatusCode int       `json:"responseStatusCode"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode changed cube list: %w", err)
	}
	if envelope.Status != statusOK {
		return nil, fmt.Errorf("%w: %q", ErrNotSuccess, envelope.Status)
	}

	changes := make([]Change, 0, len(envelope.Object))
	for _, e := range envelope.Object {
		if e.ResponseStatusCode != 0 {
			continue
		}
		changes = append(changes, Change{ProductID: e.ProductID, ReleaseTime: e.ReleaseTime})
	}
	return changes, nil
}

// CubeMetadata fetches the bilingual metadata document for one cube and
// returns the raw JSON payload. The envelope is validated but not stripped:
// downstream parsing and content addressing both want the exact bytes.
func (c *Client) CubeMetadata(ctx context.Context, productID int64) ([]byte, error) {
	if err := c.metaLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal([]map[string]int64{{"productId": productID}})
	if err != nil {
		return nil, err
	}
	body, err := c.post(ctx, c.base+"/getCubeMetadata", reqBody, c.timeout)
	if err != nil {
		return nil, err
	}

	var envelope []struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode metadata envelope for %d: %w", productID, err)
	}
	if len(envelope) == 0 || envelope[0].Status != statusOK {
		return nil, fmt.Errorf("%w: metadata for %d", ErrNotSuccess, productID)
	}
	return body, nil
}

// DownloadCubeCsv fetches the full-table CSV ZIP for one cube. The WDS
// answers the first request with a signed URL; the payload comes from a
// second request to that URL.
func (c *Client) DownloadCubeCsv(ctx context.Context, productID int64) ([]byte, error) {
	if err := c.cubeLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/getFullTableDownloadCSV/%d/en", c.base, productID)
	body, err := c.get(ctx, url, c.timeout)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Status string `json:"status"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode download URL for %d: %w", productID, err)
	}
	if envelope.Status != statusOK || envelope.Object == "" {
		return nil, fmt.Errorf("%w: download URL for %d", ErrNotSuccess, productID)
	}
	return c.get(ctx, envelope.Object, c.cubeTimeout)
}

// get performs one GET with retries. Connection failures and 5xx responses
// are retried with exponential backoff; any 4xx fails immediately.
func (c *Client) get(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil, "", timeout)
}

func (c *Client) post(ctx context.Context, url string, body []byte, timeout time.Duration) ([]byte, error) {
	return c.do(ctx, http.MethodPost, url, body, "application/json", timeout)
}

// retryableError marks server-side failures worth another attempt.
type retryableError struct{ error }

func (c *Client) do(ctx context.Context, method, url string, body []byte, contentType string, timeout time.Duration) ([]byte, error) {
	var payload []byte

	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(callCtx, method, url, reader)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", c.userAgent)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retryableError{err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return retryableError{fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)}
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
		}

		payload, err = io.ReadAll(resp.Body)
		if err != nil {
			return retryableError{fmt.Errorf("read body: %w", err)}
		}
		return nil
	}

	err := retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var re retryableError
			return errors.As(err, &re)
		}),
	)
	if err != nil {
		return nil, err
	}
	return payload, nil
}
