package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/torrentd/engine/bencode"
	"github.com/torrentd/engine/core"
)

// maxAnnounceResponseSize bounds how much of an HTTP tracker's response
// body this client will read, guarding against a misbehaving or
// malicious tracker streaming unbounded data.
const maxAnnounceResponseSize = 2 << 20

// HTTPConfig defines HTTPClient configuration.
type HTTPConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
}

func (c HTTPConfig) applyDefaults() HTTPConfig {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxElapsedTime == 0 {
		c.MaxElapsedTime = 2 * time.Minute
	}
	return c
}

// HTTPClient implements Client against BEP-3 HTTP trackers: a GET with
// URL-encoded form parameters and a bencoded dict response.
type HTTPClient struct {
	config HTTPConfig
	http   *http.Client
	logger *zap.SugaredLogger
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(config HTTPConfig, logger *zap.SugaredLogger) *HTTPClient {
	config = config.applyDefaults()
	return &HTTPClient{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Announce performs one GET announce against trackerURL, retrying
// transient network/HTTP errors with exponential backoff. A tracker-
// reported failure reason is treated as permanent (not retried).
func (c *HTTPClient) Announce(ctx context.Context, trackerURL string, req AnnounceRequest) (*AnnounceResponse, error) {
	u := buildAnnounceURL(trackerURL, req)

	var resp *AnnounceResponse
	op := func() error {
		r, err := c.doAnnounce(ctx, u)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	bo := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      c.config.MaxElapsedTime,
		Clock:               backoff.SystemClock,
	}, ctx)

	if err := backoff.Retry(op, bo); err != nil {
		return nil, core.NewTrackerError(trackerURL, err, "announce")
	}
	return resp, nil
}

func (c *HTTPClient) doAnnounce(ctx context.Context, u string) (*AnnounceResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err // network error: retryable
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return nil, fmt.Errorf("tracker: http status %d: %s", httpResp.StatusCode, body)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxAnnounceResponseSize))
	if err != nil {
		return nil, err
	}

	resp, err := parseAnnounceResponse(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return resp, nil
}

// Close is a no-op for HTTPClient; it holds no persistent resources.
func (c *HTTPClient) Close() error { return nil }

// buildAnnounceURL appends the BEP-3 query parameters to base, raw-byte
// percent-encoding info_hash and peer_id per spec.md 6: "every byte
// outside A-Za-z0-9.-_~ becomes %HH". This intentionally does not use
// net/url's form encoding, which escapes a space as '+' rather than
// '%20' and is meant for text, not arbitrary 20-byte identifiers.
func buildAnnounceURL(base string, req AnnounceRequest) string {
	var b strings.Builder
	b.WriteString(base)
	if strings.Contains(base, "?") {
		b.WriteByte('&')
	} else {
		b.WriteByte('?')
	}
	b.WriteString("info_hash=")
	b.WriteString(percentEncodeBytes(req.InfoHash.Bytes()))
	b.WriteString("&peer_id=")
	b.WriteString(percentEncodeBytes(req.PeerID.Bytes()))
	b.WriteString("&port=")
	b.WriteString(strconv.Itoa(req.Port))
	b.WriteString("&uploaded=")
	b.WriteString(strconv.FormatInt(req.Uploaded, 10))
	b.WriteString("&downloaded=")
	b.WriteString(strconv.FormatInt(req.Downloaded, 10))
	b.WriteString("&left=")
	b.WriteString(strconv.FormatInt(req.Left, 10))
	b.WriteString("&compact=1")
	if req.Event != None {
		b.WriteString("&event=")
		b.WriteString(req.Event.String())
	}
	if req.NumWant > 0 {
		b.WriteString("&numwant=")
		b.WriteString(strconv.Itoa(req.NumWant))
	}
	return b.String()
}

const unreservedBytes = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789.-_~"

func percentEncodeBytes(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if strings.IndexByte(unreservedBytes, c) >= 0 {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

// parseAnnounceResponse decodes a BEP-3 bencoded tracker response.
func parseAnnounceResponse(body []byte) (*AnnounceResponse, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}
	if v.Kind() != bencode.Dict {
		return nil, fmt.Errorf("tracker: response is not a dict")
	}

	if fr, ok := v.Get("failure reason"); ok {
		s, _ := fr.ByteString()
		return nil, fmt.Errorf("tracker: failure reason: %s", s)
	}

	resp := &AnnounceResponse{}

	if wv, ok := v.Get("warning message"); ok {
		s, _ := wv.ByteString()
		resp.Warning = string(s)
	}

	iv, ok := v.Get("interval")
	if !ok {
		return nil, fmt.Errorf("tracker: response missing %q", "interval")
	}
	interval, ok := iv.Integer()
	if !ok {
		return nil, fmt.Errorf("tracker: %q is not an integer", "interval")
	}
	resp.Interval = time.Duration(interval) * time.Second

	if miv, ok := v.Get("min interval"); ok {
		mi, ok := miv.Integer()
		if ok {
			resp.MinInterval = time.Duration(mi) * time.Second
		}
	}

	peersVal, ok := v.Get("peers")
	if !ok {
		return resp, nil
	}
	peers, err := parsePeers(peersVal)
	if err != nil {
		return nil, err
	}
	resp.Peers = peers
	return resp, nil
}

func parsePeers(v *bencode.Value) ([]*core.PeerInfo, error) {
	if b, ok := v.ByteString(); ok {
		return parseCompactPeers(b)
	}
	items, ok := v.List()
	if !ok {
		return nil, fmt.Errorf("tracker: peers is neither a byte string nor a list")
	}
	peers := make([]*core.PeerInfo, 0, len(items))
	for _, item := range items {
		ipVal, ok := item.Get("ip")
		if !ok {
			return nil, fmt.Errorf("tracker: peer dict missing %q", "ip")
		}
		ipBytes, ok := ipVal.ByteString()
		if !ok {
			return nil, fmt.Errorf("tracker: peer %q is not a byte string", "ip")
		}
		portVal, ok := item.Get("port")
		if !ok {
			return nil, fmt.Errorf("tracker: peer dict missing %q", "port")
		}
		port, ok := portVal.Integer()
		if !ok {
			return nil, fmt.Errorf("tracker: peer %q is not an integer", "port")
		}
		var peerID core.PeerID
		if idVal, ok := item.Get("peer id"); ok {
			if idBytes, ok := idVal.ByteString(); ok && len(idBytes) == 20 {
				copy(peerID[:], idBytes)
			}
		}
		peers = append(peers, core.NewPeerInfo(peerID, string(ipBytes), int(port), core.SourceHTTPTracker))
	}
	return peers, nil
}

// parseCompactPeers decodes the compact peer format: 6 bytes per peer
// (4 IPv4 octets + 2-byte big-endian port).
func parseCompactPeers(b []byte) ([]*core.PeerInfo, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d is not a multiple of 6", len(b))
	}
	n := len(b) / 6
	peers := make([]*core.PeerInfo, 0, n)
	for i := 0; i < n; i++ {
		off := i * 6
		ip := fmt.Sprintf("%d.%d.%d.%d", b[off], b[off+1], b[off+2], b[off+3])
		port := binary.BigEndian.Uint16(b[off+4 : off+6])
		peers = append(peers, core.NewPeerInfo(core.PeerID{}, ip, int(port), core.SourceHTTPTracker))
	}
	return peers, nil
}
