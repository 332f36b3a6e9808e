package recent

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
)

// Defaults used when the configuration leaves them unset.
const (
	DefaultTail    = 100
	DefaultTimeout = 60 * time.Second
)

// DefaultCommand lists today's bot client addresses from the nginx access log.
var DefaultCommand = []string{"/usr/bin/hypernode-parse-nginx-log", "--today", "--bots", "--fields", "remote_addr"}

type (
	// A Source returns the candidate addresses of a run.
	Source interface {
		Recent(ctx context.Context) ([]string, error)
	}

	// A Command is a Source backed by an external log analysis tool
	// printing one address per line.
	Command struct {
		Name    string
		Args    []string
		Tail    int
		Timeout time.Duration
	}
)

// NewCommand returns a Command running argv, keeping the last tail addresses.
func NewCommand(argv []string, tail int, timeout time.Duration) *Command {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	if tail <= 0 {
		tail = DefaultTail
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Command{
		Name:    argv[0],
		Args:    argv[1:],
		Tail:    tail,
		Timeout: timeout,
	}
}

// Recent implements Source.
func (c *Command) Recent(ctx context.Context) ([]string, error) {
	log := logger.LogWith(ctx)

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("Running %s %s", c.Name, strings.Join(c.Args, " "))
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "could not run %s: %s", c.Name, strings.TrimSpace(stderr.String()))
	}

	return Tail(stdout.String(), c.Tail), nil
}

// Tail returns the last n non-empty entries of output.
// Lines pre-aggregated as `<count> <ip>` are reduced to their last field.
func Tail(output string, n int) []string {
	if n <= 0 {
		return nil
	}

	entries := make([]string, 0, n)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		entries = append(entries, fields[len(fields)-1])
	}

	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}
