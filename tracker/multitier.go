package tracker

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// MultiTracker announces across a BEP-12 announce-list: a list of tiers,
// each tier a list of tracker URLs. Within a tier, URLs are shuffled
// once at construction and tried in order; the first to succeed is
// promoted to the front of its tier so it is preferred next time.
// Grounded on the retrieval pack's _examples/prxssh-rabbit/internal/tracker.
// Tracker.Announce tier-walk and promote-on-success logic, adapted to
// this package's HTTPClient/UDPClient split (one tracker speaks one
// protocol, selected by URL scheme) in place of that tree's single
// TrackerProtocol map.
type MultiTracker struct {
	logger *zap.SugaredLogger
	http   Client
	udp    Client

	mu    sync.Mutex
	tiers [][]string
}

// NewMultiTracker builds a MultiTracker from a primary announce URL and
// an optional BEP-12 announce-list. If announceList is empty, the
// single announce URL becomes the only tier.
func NewMultiTracker(announce string, announceList [][]string, httpClient, udpClient Client, clk clock.Clock, logger *zap.SugaredLogger) *MultiTracker {
	tiers := buildTiers(announce, announceList)
	r := rand.New(rand.NewSource(clk.Now().UnixNano()))
	for _, tier := range tiers {
		if len(tier) < 2 {
			continue
		}
		r.Shuffle(len(tier), func(a, b int) {
			tier[a], tier[b] = tier[b], tier[a]
		})
	}
	return &MultiTracker{
		logger: logger,
		http:   httpClient,
		udp:    udpClient,
		tiers:  tiers,
	}
}

func buildTiers(announce string, announceList [][]string) [][]string {
	if len(announceList) == 0 {
		return [][]string{{announce}}
	}
	tiers := make([][]string, 0, len(announceList))
	for _, tier := range announceList {
		t := append([]string(nil), tier...)
		tiers = append(tiers, t)
	}
	return tiers
}

// Announce walks tiers in order, trying every URL within a tier before
// moving to the next; the first URL to answer successfully is promoted
// to the front of its tier per BEP-12.
func (m *MultiTracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	var lastErr error
	numTiers := m.tierCount()
	for tierIdx := 0; tierIdx < numTiers; tierIdx++ {
		tier := m.snapshotTier(tierIdx)
		for i, trackerURL := range tier {
			client, err := m.clientFor(trackerURL)
			if err != nil {
				lastErr = err
				continue
			}
			resp, err := client.Announce(ctx, trackerURL, req)
			if err != nil {
				lastErr = err
				m.logger.Debugw("announce failed", "url", trackerURL, "tier", tierIdx, "error", err)
				continue
			}
			m.promoteWithinTier(tierIdx, i)
			return resp, nil
		}
		m.logger.Warnw("announce tier exhausted", "tier", tierIdx)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("tracker: no tiers configured")
	}
	return nil, fmt.Errorf("tracker: all tiers exhausted: %w", lastErr)
}

// Close closes both underlying protocol clients.
func (m *MultiTracker) Close() error {
	var firstErr error
	if m.http != nil {
		if err := m.http.Close(); err != nil {
			firstErr = err
		}
	}
	if m.udp != nil {
		if err := m.udp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiTracker) clientFor(trackerURL string) (Client, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid url %q: %w", trackerURL, err)
	}
	switch {
	case strings.HasPrefix(u.Scheme, "http"):
		if m.http == nil {
			return nil, fmt.Errorf("tracker: no http client configured for %q", trackerURL)
		}
		return m.http, nil
	case u.Scheme == "udp":
		if m.udp == nil {
			return nil, fmt.Errorf("tracker: no udp client configured for %q", trackerURL)
		}
		return m.udp, nil
	default:
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
}

func (m *MultiTracker) tierCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tiers)
}

func (m *MultiTracker) snapshotTier(idx int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tier := m.tiers[idx]
	out := make([]string, len(tier))
	copy(out, tier)
	return out
}

func (m *MultiTracker) promoteWithinTier(tierIdx, urlIdx int) {
	if urlIdx == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tier := m.tiers[tierIdx]
	if urlIdx >= len(tier) {
		return
	}
	winner := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = winner
}
