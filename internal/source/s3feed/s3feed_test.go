package s3feed

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mandatory-use-audit/internal/feed"
	"mandatory-use-audit/internal/period"
	"mandatory-use-audit/internal/source"
)

// bucketRoundTripper serves GetObject from an in-memory bucket.
type bucketRoundTripper struct {
	objects map[string]string
	paths   []string
}

func (b *bucketRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	b.paths = append(b.paths, req.URL.Path)
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	body, ok := b.objects[key]
	if req.Method != http.MethodGet || !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{"Content-Type": {"application/xml"}},
			Body:       io.NopCloser(strings.NewReader(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)),
			Request:    req,
		}, nil
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": {"text/csv"}},
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func newStore(t *testing.T, rt http.RoundTripper) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{
		Bucket:          "extracts",
		Prefix:          "mu",
		Endpoint:        "https://mock.s3.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: rt},
	})
	require.NoError(t, err)
	return s
}

func request(t *testing.T) source.Request {
	t.Helper()
	p, err := period.New(
		time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.April, 30, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	return source.Request{Period: p, LookbackDays: 7}
}

func TestKey(t *testing.T) {
	s := newStore(t, &bucketRoundTripper{})
	assert.Equal(t, "mu/2024-04-01_2024-04-30/searches_data.csv", s.Key(feed.Searches, request(t)))
}

func TestFetch(t *testing.T) {
	rt := &bucketRoundTripper{objects: map[string]string{
		"mu/2024-04-01_2024-04-30/ID_data.csv": "User ID\n1\n",
	}}
	s := newStore(t, rt)

	body, err := s.Fetch(context.Background(), feed.Registry, request(t))
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "User ID\n1\n", string(data))
	assert.Contains(t, rt.paths, "/extracts/mu/2024-04-01_2024-04-30/ID_data.csv")
}

func TestFetchMissingObject(t *testing.T) {
	s := newStore(t, &bucketRoundTripper{objects: map[string]string{}})

	_, err := s.Fetch(context.Background(), feed.Dispensations, request(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrNotFound))
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
