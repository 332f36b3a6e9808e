package recent_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mdouchement/abuseip-blocker/recent"
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

func TestTail(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 150; i++ {
		fmt.Fprintf(&b, "45.0.0.%d\n", i)
		if i%10 == 0 {
			b.WriteString("\n")
		}
	}

	entries := recent.Tail(b.String(), 100)
	assert.Len(t, entries, 100)
	assert.Equal(t, "45.0.0.51", entries[0])
	assert.Equal(t, "45.0.0.150", entries[99])
}

func TestTail_Aggregated(t *testing.T) {
	output := "    120 1.2.3.4\n     42 5.6.7.8\n\n  \n9.9.9.9\n"

	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8", "9.9.9.9"}, recent.Tail(output, 100))
}

func TestTail_Empty(t *testing.T) {
	assert.Empty(t, recent.Tail("\n\n", 100))
}

func TestTail_NonPositive(t *testing.T) {
	assert.Nil(t, recent.Tail("1.2.3.4\n", 0))
	assert.Nil(t, recent.Tail("1.2.3.4\n", -1))
}

func TestCommand_Recent(t *testing.T) {
	var source recent.Source = recent.NewCommand([]string{"sh", "-c", `printf '1.1.1.1\n\n2.2.2.2\n3.3.3.3\n'`}, 2, time.Second)

	entries, err := source.Recent(testContext())
	require.NoError(t, err)
	assert.Equal(t, []string{"2.2.2.2", "3.3.3.3"}, entries)
}

func TestCommand_RecentFailure(t *testing.T) {
	source := recent.NewCommand([]string{"sh", "-c", "echo boom >&2; exit 3"}, 100, time.Second)

	_, err := source.Recent(testContext())
	assert.ErrorContains(t, err, "boom")
}

func TestCommand_RecentTimeout(t *testing.T) {
	source := recent.NewCommand([]string{"sleep", "5"}, 100, 50*time.Millisecond)

	start := time.Now()
	_, err := source.Recent(testContext())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestNewCommand_Defaults(t *testing.T) {
	c := recent.NewCommand(nil, 0, 0)
	assert.Equal(t, recent.DefaultCommand[0], c.Name)
	assert.Equal(t, recent.DefaultCommand[1:], c.Args)
	assert.Equal(t, recent.DefaultTail, c.Tail)
	assert.Equal(t, recent.DefaultTimeout, c.Timeout)
}
