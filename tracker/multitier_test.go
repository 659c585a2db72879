package tracker

import (
	"context"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubClient struct {
	fail    map[string]bool
	calls   []string
	closeFn func() error
}

func (s *stubClient) Announce(ctx context.Context, url string, req AnnounceRequest) (*AnnounceResponse, error) {
	s.calls = append(s.calls, url)
	if s.fail[url] {
		return nil, errTest
	}
	return &AnnounceResponse{}, nil
}

func (s *stubClient) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}

var errTest = &stubError{"stub failure"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

func TestMultiTrackerFallsThroughTier(t *testing.T) {
	require := require.New(t)

	http := &stubClient{fail: map[string]bool{"http://a.example/announce": true}}
	mt := NewMultiTracker("http://a.example/announce", [][]string{
		{"http://a.example/announce", "http://b.example/announce"},
	}, http, nil, clock.NewMock(), zap.NewNop().Sugar())

	resp, err := mt.Announce(context.Background(), testAnnounceRequest())
	require.NoError(err)
	require.NotNil(resp)
	require.Len(http.calls, 2)
}

func TestMultiTrackerPromotesSuccessfulURL(t *testing.T) {
	require := require.New(t)

	http := &stubClient{fail: map[string]bool{"http://a.example/announce": true}}
	mt := NewMultiTracker("http://a.example/announce", [][]string{
		{"http://a.example/announce", "http://b.example/announce"},
	}, http, nil, clock.NewMock(), zap.NewNop().Sugar())

	_, err := mt.Announce(context.Background(), testAnnounceRequest())
	require.NoError(err)

	tier := mt.snapshotTier(0)
	require.Equal("http://b.example/announce", tier[0])
}

func TestMultiTrackerSingleAnnounceNoList(t *testing.T) {
	require := require.New(t)

	http := &stubClient{}
	mt := NewMultiTracker("http://solo.example/announce", nil, http, nil, clock.NewMock(), zap.NewNop().Sugar())
	_, err := mt.Announce(context.Background(), testAnnounceRequest())
	require.NoError(err)
	require.Equal([]string{"http://solo.example/announce"}, http.calls)
}
