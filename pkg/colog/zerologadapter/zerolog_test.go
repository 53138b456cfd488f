package zerologadapter

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/QYUbit/cosync/pkg/colog"
)

var _ colog.Logger = (*Adapter)(nil)

func TestAdapter_WritesFields(t *testing.T) {
	var out bytes.Buffer
	a := New(zerolog.New(&out).Level(zerolog.InfoLevel))

	a.Debug("hidden")
	a.Warn("frame dropped", "transport", "ws:1", "bytes", 12)

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"level":"warn"`)
	assert.Contains(t, out.String(), `"transport":"ws:1"`)
	assert.Contains(t, out.String(), `"bytes":12`)
	assert.Contains(t, out.String(), `"message":"frame dropped"`)
}
