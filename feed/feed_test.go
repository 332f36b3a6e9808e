package feed_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mdouchement/abuseip-blocker/feed"
	"github.com/mdouchement/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	logr := logrus.New()
	logr.SetOutput(io.Discard)
	return logger.WithLogger(context.Background(), logger.WrapLogrus(logr))
}

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		io.WriteString(w, "203.0.113.5 comment\n#skip\n") //nolint:errcheck
	}))
	defer srv.Close()

	text, err := feed.NewFetcher(time.Second, 1024).Fetch(testContext(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5 comment\n#skip\n", text)
}

func TestFetcher_FetchDropsInvalidUTF8(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.2.3.4 caf\xe9\xff\n")) //nolint:errcheck
	}))
	defer srv.Close()

	text, err := feed.NewFetcher(time.Second, 1024).Fetch(testContext(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4 caf\n", text)
}

func TestFetcher_FetchDeclaredOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "64")
		io.WriteString(w, strings.Repeat("a", 64)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := feed.NewFetcher(time.Second, 16).Fetch(testContext(), srv.URL)
	assert.True(t, errors.Is(err, feed.ErrOversize), "%v", err)
}

func TestFetcher_FetchObservedOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing forces a chunked response without Content-Length.
		for i := 0; i < 8; i++ {
			io.WriteString(w, "1.2.3.4\n") //nolint:errcheck
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	_, err := feed.NewFetcher(time.Second, 16).Fetch(testContext(), srv.URL)
	assert.True(t, errors.Is(err, feed.ErrOversize), "%v", err)
}

func TestFetcher_FetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := feed.NewFetcher(time.Second, 1024).Fetch(testContext(), srv.URL)

	var serr *feed.StatusError
	require.True(t, errors.As(err, &serr), "%v", err)
	assert.Equal(t, http.StatusNotFound, serr.Status)
}

func TestFetcher_FetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := feed.NewFetcher(50*time.Millisecond, 1024).Fetch(testContext(), srv.URL)
	assert.Error(t, err)
}

func TestFetcher_FetchBytesKeepsBinary(t *testing.T) {
	payload := []byte{0x50, 0x4b, 0x03, 0x04, 0xff, 0xfe, 0x00}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload) //nolint:errcheck
	}))
	defer srv.Close()

	b, err := feed.NewFetcher(time.Second, 1024).FetchBytes(testContext(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, payload, b)
}
