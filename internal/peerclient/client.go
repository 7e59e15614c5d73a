// Package peerclient is the outbound HTTP client the Sync Executor and
// Snapback use to reach other nodes' /export and /users/clock_status
// endpoints (spec §6). Every call carries the explicit timeout spec §5
// mandates for its kind.
package peerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/creator-network/creator-node/internal/errs"
	"github.com/creator-network/creator-node/internal/export"
)

const (
	// ExportTimeout bounds a full /export round trip (spec §4.3 step 3, §5).
	ExportTimeout = 5 * time.Minute
	// ProbeTimeout bounds a single clock-status probe (spec §4.5 step 1, §5).
	ProbeTimeout = 5 * time.Second
	// ContentFetchTimeout bounds a single peer's content byte-stream fetch
	// attempt (spec §4.3 step 6, §5). The per-CID timeout is deliberately
	// not scaled by declared file size (spec §9 Open Question).
	ContentFetchTimeout = 1 * time.Second
)

// Client issues the peer-to-peer HTTP calls of spec §6.
type Client struct {
	httpClient *http.Client
	selfEndpoint string
}

// New builds a Client. selfEndpoint is sent as source_endpoint on export
// requests; the remote exporter checks it against the user's replica set
// before serving the export (spec §4.2).
func New(selfEndpoint string) *Client {
	return &Client{httpClient: &http.Client{}, selfEndpoint: selfEndpoint}
}

// Export requests wallets' logs from peerEndpoint starting at clockRangeMin.
func (c *Client) Export(ctx context.Context, peerEndpoint string, wallets []string, clockRangeMin int64) (export.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, ExportTimeout)
	defer cancel()

	q := url.Values{}
	for _, w := range wallets {
		q.Add("wallet_public_key", w)
	}
	q.Set("clock_range_min", strconv.FormatInt(clockRangeMin, 10))
	q.Set("source_endpoint", c.selfEndpoint)

	reqURL := peerEndpoint + "/export?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return export.Payload{}, errs.Wrap(errs.ExportInvalid, err, "build export request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return export.Payload{}, errs.Wrap(errs.ExportInvalid, err, "export request to "+peerEndpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return export.Payload{}, errs.New(errs.ExportInvalid,
			fmt.Sprintf("export from %s returned status %d: %s", peerEndpoint, resp.StatusCode, body))
	}

	var envelope export.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return export.Payload{}, errs.Wrap(errs.ExportInvalid, err, "decode export payload from "+peerEndpoint)
	}
	return envelope.Data, nil
}

// ClockStatus probes peerEndpoint for its current clock on wallet. Returns
// -1 if the peer has no record of wallet (spec §6).
func (c *Client) ClockStatus(ctx context.Context, peerEndpoint, wallet string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	reqURL := peerEndpoint + "/users/clock_status/" + url.PathEscape(wallet)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, errs.Wrap(errs.ExportInvalid, err, "build clock-status request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errs.Wrap(errs.ExportInvalid, err, "probe "+peerEndpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, errs.New(errs.ExportInvalid, fmt.Sprintf("probe %s returned status %d", peerEndpoint, resp.StatusCode))
	}

	var body struct {
		Clock int64 `json:"clock"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, errs.Wrap(errs.ExportInvalid, err, "decode clock-status response from "+peerEndpoint)
	}
	return body.Clock, nil
}

// FetchContent attempts to retrieve the bytes for multihash from
// peerEndpoint. dirMultihash and fileName, when set, select the directory-
// form fetch path images require (spec §4.3 step 6).
func (c *Client) FetchContent(ctx context.Context, peerEndpoint, multihash string, dirMultihash, fileName *string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, ContentFetchTimeout)
	defer cancel()

	reqURL := peerEndpoint + "/ipfs/" + url.PathEscape(multihash)
	if dirMultihash != nil && fileName != nil {
		reqURL = peerEndpoint + "/ipfs/" + url.PathEscape(*dirMultihash) + "/" + url.PathEscape(*fileName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ContentFetchFailed, err, "build content fetch request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ContentFetchFailed, err, "fetch "+multihash+" from "+peerEndpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New(errs.ContentFetchFailed, fmt.Sprintf("fetch %s from %s returned status %d", multihash, peerEndpoint, resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}
