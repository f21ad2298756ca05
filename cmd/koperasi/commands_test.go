package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/koperasi-client/internal/apiclient"
)

type fakeGetter struct {
	mu       sync.Mutex
	inFlight int32
	peak     int32
	fail     string
}

func (f *fakeGetter) Get(ctx context.Context, path string) (*apiclient.Response, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	f.mu.Lock()
	if n > f.peak {
		f.peak = n
	}
	f.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	if path == f.fail {
		return nil, errors.New("boom")
	}
	if path == "/text" {
		return &apiclient.Response{StatusCode: http.StatusOK, Body: []byte("plain")}, nil
	}
	return &apiclient.Response{StatusCode: http.StatusOK, Body: []byte(`{"path":"` + path + `"}`)}, nil
}

func TestFetchAllKeepsOrderAndLimit(t *testing.T) {
	g := &fakeGetter{}
	paths := []string{"/a", "/b", "/c", "/d", "/e", "/text"}

	results, err := fetchAll(context.Background(), g, paths, 2)
	require.NoError(t, err)
	require.Len(t, results, len(paths))

	for i, r := range results {
		assert.Equal(t, paths[i], r.Path)
		assert.Equal(t, http.StatusOK, r.Status)
	}
	assert.JSONEq(t, `{"path":"/a"}`, string(results[0].Body))
	assert.Empty(t, results[5].Body)
	assert.Equal(t, "plain", results[5].Text)
	assert.LessOrEqual(t, g.peak, int32(2))
}

func TestFetchAllFailsFast(t *testing.T) {
	g := &fakeGetter{fail: "/b"}
	_, err := fetchAll(context.Background(), g, []string{"/a", "/b", "/c"}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/b: boom")
}

func TestHeaderFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	headers := headerFlags{}
	fs.Var(headers, "H", "")

	require.NoError(t, fs.Parse([]string{"-H", "X-Tenant: acme", "-H", "Accept-Language:id"}))
	assert.Equal(t, "acme", http.Header(headers).Get("X-Tenant"))
	assert.Equal(t, "id", http.Header(headers).Get("Accept-Language"))

	assert.Error(t, headers.Set("no-colon"))
	assert.Error(t, headers.Set(": value"))
}

func TestReadData(t *testing.T) {
	data, err := readData(`{"amount":1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"amount":1}`, string(data))

	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"from":"file"}`), 0600))
	data, err = readData("@" + path)
	require.NoError(t, err)
	assert.Equal(t, `{"from":"file"}`, string(data))

	_, err = readData("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDescribeExpiry(t *testing.T) {
	assert.Equal(t, "-", describeExpiry(""))
	assert.Equal(t, "unknown", describeExpiry("opaque-token"))
}
