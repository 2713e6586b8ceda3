// Package reporter implements the HTTP transport half of SPEC_FULL.md §4.6:
// building and PUTting the gzip-compressed, content-addressed upload body
// described in §6's wire format.
//
// The context-aware request construction and "classify the error to decide
// whether it's retryable" split (Retryable vs. Permanent) is grounded on
// the teacher's shouldStopRetrying / loadWithRetries pair in
// agilira/argus remote_config.go, adapted from a GET-based config fetch to
// a PUT-based event upload.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package reporter

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lantern-labs/metricsrecorder/internal/recorderrors"
	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

// BootType enumerates the §6 wire format's boot_type byte.
type BootType uint8

const (
	BootNormal BootType = 0
	BootDual   BootType = 1
	BootLive   BootType = 2
)

// Body is the decoded form of the §6 upload body, built fresh for every
// attempt so relative_time/absolute_time can be refreshed before a retry.
type Body struct {
	RelativeTime  int64
	AbsoluteTime  int64
	ImageVersion  string
	SiteID        map[string]string
	BootType      BootType
	Singulars     []variant.Value // each a 4-tuple (UUID, os_version, relative_time, maybe payload)
	Aggregates    []variant.Value // each a 5-tuple (UUID, os_version, period_start, count, maybe payload)
}

// Encode serializes Body to its canonical little-endian normal form per
// §6: a tuple of (relative_time, absolute_time, image_version, site_id,
// boot_type, singulars, aggregates).
func (b Body) Encode() []byte {
	siteIDPairs := make([]variant.Value, 0, len(b.SiteID))
	for k, v := range b.SiteID {
		siteIDPairs = append(siteIDPairs, variant.Tuple(variant.String(k), variant.String(v)))
	}
	record := variant.Tuple(
		variant.Int(b.RelativeTime),
		variant.Int(b.AbsoluteTime),
		variant.String(b.ImageVersion),
		variant.Array(siteIDPairs...),
		variant.Uint(uint64(b.BootType)),
		variant.Array(b.Singulars...),
		variant.Array(b.Aggregates...),
	)
	return record.Encode()
}

// ProtocolVersion is the wire protocol version segment in the upload URL
// path (`<base-url>/<version>/<hex digest>`). It tracks the body format
// defined by Body.Encode, not the image_version field carried inside the
// body itself.
const ProtocolVersion = "3"

// Client performs the HTTP PUT step of an upload attempt.
type Client struct {
	httpClient *http.Client
	baseURL    string // with "${environment}" already resolved
	version    string
}

// NewClient returns a Client uploading to baseURL, e.g.
// "https://metrics.example.com/v1", under ProtocolVersion.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	return NewClientWithVersion(httpClient, baseURL, ProtocolVersion)
}

// NewClientWithVersion returns a Client uploading under an explicit
// protocol version segment, for tests and callers pinning a specific wire
// revision.
func NewClientWithVersion(httpClient *http.Client, baseURL, version string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, baseURL: strings.TrimRight(baseURL, "/"), version: version}
}

// ResolveEnvironment substitutes "${environment}" in a server URL template
// exactly once, per §4.6 step 2.
func ResolveEnvironment(template, environment string) string {
	return strings.Replace(template, "${environment}", environment, 1)
}

// Outcome classifies the result of one PUT attempt.
type Outcome int

const (
	Success Outcome = iota
	Retryable
	Permanent
)

// Put compresses body and PUTs it to
// <base>/<version>/<sha-512-hex-of-uncompressed-body>, returning whether
// the attempt succeeded, should be retried, or failed permanently.
func (c *Client) Put(ctx context.Context, body []byte) (Outcome, error) {
	digest := sha512.Sum512(body)
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.version, hex.EncodeToString(digest[:]))

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(body); err != nil {
		return Retryable, recorderrors.Wrap(err, recorderrors.CodeRetryableNetwork, "reporter: gzip compress body")
	}
	if err := gz.Close(); err != nil {
		return Retryable, recorderrors.Wrap(err, recorderrors.CodeRetryableNetwork, "reporter: finalize gzip stream")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(compressed.Bytes()))
	if err != nil {
		return Permanent, recorderrors.Wrap(err, recorderrors.CodeInvalidConfig, "reporter: build upload request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Endless-Content-Encoding", "gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Permanent, recorderrors.Wrap(err, recorderrors.CodeCancelled, "reporter: upload cancelled")
		}
		return Retryable, recorderrors.Wrap(err, recorderrors.CodeRetryableNetwork, "reporter: upload request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Success, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Retryable, recorderrors.Newf(recorderrors.CodeRetryableNetwork, "reporter: client error %d", resp.StatusCode)
	default:
		return Retryable, recorderrors.Newf(recorderrors.CodeRetryableNetwork, "reporter: server error %d", resp.StatusCode)
	}
}
