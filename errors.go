package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"os"
	"os/exec"

	"github.com/mdouchement/abuseip-blocker/abuse"
	"github.com/mdouchement/abuseip-blocker/feed"
	"github.com/mdouchement/abuseip-blocker/publish"
	"github.com/mdouchement/abuseip-blocker/render"
)

// Failure classes reported when a run fails.
const (
	failureDownload   = "download"
	failureParse      = "parse"
	failureFilesystem = "filesystem"
	failureUnexpected = "unexpected"
)

// classify returns the failure class of err.
func classify(err error) string {
	var (
		feedStatus  *feed.StatusError
		abuseStatus *abuse.StatusError
		netErr      net.Error
		exitErr     *exec.ExitError
		syntaxErr   *json.SyntaxError
		typeErr     *json.UnmarshalTypeError
		dirErr      *publish.DirectoryError
		pathErr     *fs.PathError
		linkErr     *os.LinkError
	)

	switch {
	case errors.Is(err, feed.ErrOversize),
		errors.As(err, &feedStatus),
		errors.As(err, &abuseStatus),
		errors.As(err, &netErr),
		errors.As(err, &exitErr):
		return failureDownload
	case errors.Is(err, render.ErrEmpty),
		errors.Is(err, abuse.ErrMalformedResponse),
		errors.Is(err, errInvalidConfiguration),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr):
		return failureParse
	case errors.As(err, &dirErr),
		errors.As(err, &pathErr),
		errors.As(err, &linkErr):
		return failureFilesystem
	default:
		return failureUnexpected
	}
}
