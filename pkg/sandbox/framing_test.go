package sandbox

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"jsonrpc":"2.0","method":"tools/call","id":"1"}`)
	require.NoError(t, WriteFrame(&buf, body))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadFrameMissingContentLength(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\r\nbody"))
	_, err := ReadFrame(r)
	assert.Error(t, err)
}

func TestReadFrameOversize(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Content-Length: 99999999999\r\n\r\n"))
	_, err := ReadFrame(r)
	assert.Error(t, err)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Content-Length: 10\r\n\r\nshort"))
	_, err := ReadFrame(r)
	assert.Error(t, err)
}
