package fetcher

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c, err := NewClient(ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "rrdp-go", c.userAgent)
}

func TestDefaultClientOptions(t *testing.T) {
	t.Parallel()

	opts := DefaultClientOptions()
	assert.Equal(t, 3, opts.MaxRetries)
	assert.Equal(t, "rrdp-go", opts.UserAgent)
}

func TestGzipBody(t *testing.T) {
	t.Parallel()

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write([]byte("<notification/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	raw := io.NopCloser(bytes.NewReader(compressed.Bytes()))
	zr, err := gzip.NewReader(raw)
	require.NoError(t, err)

	body := &gzipBody{Reader: zr, raw: raw}
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "<notification/>", string(data))
	assert.NoError(t, body.Close())
}
