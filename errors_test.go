package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mdouchement/abuseip-blocker/abuse"
	"github.com/mdouchement/abuseip-blocker/cache"
	"github.com/mdouchement/abuseip-blocker/feed"
	"github.com/mdouchement/abuseip-blocker/publish"
	"github.com/mdouchement/abuseip-blocker/render"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	logr := logrus.New()
	logr.SetOutput(io.Discard)
	ctx := logger.WithLogger(context.Background(), logger.WrapLogrus(logr))

	_, fetchErr := feed.NewFetcher(100*time.Millisecond, 16).Fetch(ctx, "http://127.0.0.1:1/feed")

	dir := t.TempDir()
	publishErr := publish.New().Publish(ctx, publish.File{Path: filepath.Join(dir, "missing", "http.abuseip")})

	cacheFile := filepath.Join(dir, "checked_ips.json")
	assert.NoError(t, os.WriteFile(cacheFile, []byte("{"), 0o644))
	_, cacheErr := cache.Load(cacheFile, time.Hour)

	tests := []struct {
		err      error
		expected string
	}{
		{err: errors.Wrap(feed.ErrOversize, "download"), expected: failureDownload},
		{err: errors.Wrap(&feed.StatusError{Status: http.StatusBadGateway}, "download"), expected: failureDownload},
		{err: &abuse.StatusError{Status: http.StatusTooManyRequests}, expected: failureDownload},
		{err: fetchErr, expected: failureDownload},
		{err: errors.Wrap(render.ErrEmpty, "no valid IP addresses"), expected: failureParse},
		{err: errors.Wrap(abuse.ErrMalformedResponse, "abuse check"), expected: failureParse},
		{err: errors.Wrap(errInvalidConfiguration, "check.api_key is required"), expected: failureParse},
		{err: cacheErr, expected: failureParse},
		{err: errors.Wrap(publishErr, "publish"), expected: failureFilesystem},
		{err: &os.PathError{Op: "open", Path: "/data/web/nginx/deny", Err: os.ErrPermission}, expected: failureFilesystem},
		{err: errors.New("panic: boom"), expected: failureUnexpected},
	}

	for _, tt := range tests {
		assert.Error(t, tt.err)
		assert.Equal(t, tt.expected, classify(tt.err), "%v", tt.err)
	}
}
