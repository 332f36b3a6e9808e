// Package denylist maintains an nginx file made of `deny <ip>;` directives.
//
// The file is only ever appended to so nginx never reads a truncated file.
// Membership is rebuilt from a full read of the file on every Load, which is
// linear in the file size.
package denylist

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Keyword is the nginx directive written for each blocked address.
const Keyword = "deny"

// A List is the set of addresses already denied by a deny file.
type List struct {
	path    string
	members map[string]struct{}
	// The file is not empty and its last byte is not a newline.
	unterminated bool
}

// Load reads the deny file stored at path. A missing file gives an empty list.
func Load(path string) (*List, error) {
	l := &List{
		path:    path,
		members: make(map[string]struct{}),
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, errors.Wrapf(err, "could not read deny list %s", path)
	}

	l.unterminated = len(payload) > 0 && payload[len(payload)-1] != '\n'

	scanner := bufio.NewScanner(bytes.NewReader(payload))
	for scanner.Scan() {
		if ip, ok := parseLine(scanner.Text()); ok {
			l.members[ip] = struct{}{}
		}
	}

	return l, errors.Wrapf(scanner.Err(), "could not parse deny list %s", path)
}

// Contains reports whether ip is already denied.
func (l *List) Contains(ip string) bool {
	_, ok := l.members[ip]
	return ok
}

// Len returns the number of denied addresses.
func (l *List) Len() int {
	return len(l.members)
}

// Append adds a deny directive for ip unless it is already present.
// A non-empty comment is written at the end of the line.
// It reports whether a line has been written.
func (l *List) Append(ip, comment string) (bool, error) {
	if l.Contains(ip) {
		return false, nil
	}

	line := Line(ip)
	if comment != "" {
		line += " # " + comment
	}
	line += "\n"
	if l.unterminated {
		line = "\n" + line
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return false, errors.Wrapf(err, "could not open deny list %s", l.path)
	}

	// A single write keeps the directive on one line for concurrent readers.
	if _, err = f.WriteString(line); err != nil {
		f.Close()
		return false, errors.Wrapf(err, "could not append to deny list %s", l.path)
	}

	if err = f.Close(); err != nil {
		return false, errors.Wrapf(err, "could not close deny list %s", l.path)
	}

	l.members[ip] = struct{}{}
	l.unterminated = false
	return true, nil
}

// Line returns the deny directive of ip.
func Line(ip string) string {
	return fmt.Sprintf("%s %s;", Keyword, ip)
}

func parseLine(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != Keyword {
		return "", false
	}

	ip, _, _ := strings.Cut(fields[1], ";")
	return ip, ip != ""
}
