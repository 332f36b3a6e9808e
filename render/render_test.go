package render_test

import (
	"strings"
	"testing"
	"time"

	"github.com/mdouchement/abuseip-blocker/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeo(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	geo, err := render.Geo([]string{"203.0.113.5"}, "blocked_ip", now)
	require.NoError(t, err)

	assert.Contains(t, geo, "# Generated on: 2024-05-01T12:00:00Z\n")
	assert.Contains(t, geo, "# Total blocked IPs: 1\n")
	assert.Contains(t, geo, "geo $blocked_ip {\n    default 0;\n")
	assert.True(t, strings.HasSuffix(geo, "    203.0.113.5 1;\n}\n"))

	var entries []string
	for _, line := range strings.Split(geo, "\n") {
		if strings.HasSuffix(line, " 1;") {
			entries = append(entries, strings.TrimSpace(line))
		}
	}
	assert.Equal(t, []string{"203.0.113.5 1;"}, entries)
}

func TestGeo_KeepsOrder(t *testing.T) {
	geo, err := render.Geo([]string{"9.1.1.1", "20.1.1.1", "100.1.1.1"}, "bad", time.Now())
	require.NoError(t, err)

	i := strings.Index(geo, "9.1.1.1 1;")
	j := strings.Index(geo, "20.1.1.1 1;")
	k := strings.Index(geo, "100.1.1.1 1;")
	assert.True(t, i < j && j < k)
	assert.Contains(t, geo, "geo $bad {")
	assert.Contains(t, geo, "# Total blocked IPs: 3\n")
}

func TestGeo_Empty(t *testing.T) {
	_, err := render.Geo(nil, "blocked_ip", time.Now())
	assert.ErrorIs(t, err, render.ErrEmpty)
}

func TestBlock(t *testing.T) {
	block := render.Block("blocked_ip", "/data/web/nginx/http.abuseip")

	assert.Contains(t, block, "if ($blocked_ip) {\n    return 403")
	assert.Contains(t, block, "variable from /data/web/nginx/http.abuseip")
	assert.Equal(t, block, render.Block("blocked_ip", "/data/web/nginx/http.abuseip"))
}
