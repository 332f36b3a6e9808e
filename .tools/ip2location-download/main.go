// Command ip2location-download provisions the ip2location database used by the
// country allowlist rules and the deny list annotations.
//
// Usage: ip2location-download <url> <filename>
package main

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ip2location/ip2location-go/v9"
	"github.com/mdouchement/abuseip-blocker/feed"
	"github.com/mdouchement/abuseip-blocker/publish"
	"github.com/mdouchement/geoblock/lookup"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxSize = 512 << 20

func main() {
	if len(os.Args) != 3 {
		fmt.Println("usage: ip2location-download <url> <filename>")
		os.Exit(1)
	}

	url := os.Args[1]
	filename := os.Args[2]
	ctx := logger.WithLogger(context.Background(), logger.WrapLogrus(logrus.New()))

	err := download(ctx, url, filename)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func download(ctx context.Context, url, filename string) error {
	// The feed fetcher already enforces the timeout and the size ceiling.
	payload, err := feed.NewFetcher(10*time.Minute, maxSize).FetchBytes(ctx, url)
	if err != nil {
		return errors.Wrap(err, "downloading db failed")
	}

	if strings.HasSuffix(strings.ToLower(url), ".zip") {
		payload, err = unzip(payload)
		if err != nil {
			return err
		}
	}

	// Verify before publishing so a corrupted download never replaces a working database.
	tmp, err := os.CreateTemp("", "ip2location-*.bin")
	if err != nil {
		return errors.Wrap(err, "creating verification file")
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(payload); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing verification file")
	}
	tmp.Close()

	if err = verify(tmp.Name()); err != nil {
		return err
	}

	return publish.New().Publish(ctx, publish.File{Path: filename, Content: payload})
}

func unzip(payload []byte) ([]byte, error) {
	codec, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, errors.Wrap(err, "creating zip reader")
	}

	for _, file := range codec.File {
		if !strings.HasSuffix(strings.ToLower(file.Name), ".bin") {
			continue
		}

		f, err := file.Open()
		if err != nil {
			return nil, errors.Wrap(err, "opening zip db file")
		}
		defer f.Close()

		return io.ReadAll(io.LimitReader(f, maxSize))
	}

	return nil, errors.New("db file not found in downloaded archive")
}

func verify(filename string) error {
	db, err := ip2location.OpenDB(filename)
	if err != nil {
		return errors.Wrap(err, "opening db failed")
	}
	db.Close()

	// Check the file the way the blocker opens it.
	l, err := lookup.OpenIP2location(filename)
	if err != nil {
		return errors.Wrap(err, "opening lookup failed")
	}
	if closer, ok := any(l).(io.Closer); ok {
		defer closer.Close()
	}

	country, err := l.Country(net.ParseIP("1.1.1.1"))
	if err != nil {
		return errors.Wrap(err, "querying db failed")
	}

	if !strings.EqualFold(country, "us") {
		return fmt.Errorf("query returned unexpected result %q, db is likely corrupted", country)
	}

	return nil
}
