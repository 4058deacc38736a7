package swarm

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(stream StreamType, payload string) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = byte(stream)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	return buf
}

func TestFrameDecoderNext(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(frame(StreamStdout, "hello\n"))
	stream.Write(frame(StreamStderr, "warn: low disk\n"))
	stream.Write(frame(StreamStdout, ""))

	decoder := NewFrameDecoder(&stream)

	first, err := decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, StreamStdout, first.Stream)
	assert.Equal(t, "hello\n", string(first.Payload))

	second, err := decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, StreamStderr, second.Stream)
	assert.Equal(t, "warn: low disk\n", string(second.Payload))

	third, err := decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, StreamStdout, third.Stream)
	assert.Empty(t, third.Payload)

	_, err = decoder.Next()
	assert.Equal(t, io.EOF, err)
}

func TestFrameDecoderTruncatedHeader(t *testing.T) {
	decoder := NewFrameDecoder(bytes.NewReader([]byte{1, 0, 0}))

	_, err := decoder.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameDecoderTruncatedPayload(t *testing.T) {
	full := frame(StreamStdout, "partial content")
	decoder := NewFrameDecoder(bytes.NewReader(full[:frameHeaderLen+4]))

	_, err := decoder.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameDecoderInvalidStreamType(t *testing.T) {
	bad := frame(StreamType(7), "x")
	decoder := NewFrameDecoder(bytes.NewReader(bad))

	_, err := decoder.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stream type")
}

func TestFrameDecoderOversizedFrame(t *testing.T) {
	header := make([]byte, frameHeaderLen)
	header[0] = byte(StreamStdout)
	binary.BigEndian.PutUint32(header[4:8], maxFramePayload+1)
	decoder := NewFrameDecoder(bytes.NewReader(header))

	_, err := decoder.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestDemux(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(frame(StreamStdout, "out line 1\n"))
	stream.Write(frame(StreamStderr, "err line 1\n"))
	stream.Write(frame(StreamStdout, "out line 2\n"))

	var stdout, stderr bytes.Buffer
	require.NoError(t, Demux(&stream, &stdout, &stderr))

	assert.Equal(t, "out line 1\nout line 2\n", stdout.String())
	assert.Equal(t, "err line 1\n", stderr.String())
}

func TestDemuxTruncated(t *testing.T) {
	full := frame(StreamStdout, "cut off here")
	var stdout, stderr bytes.Buffer

	err := Demux(bytes.NewReader(full[:frameHeaderLen+2]), &stdout, &stderr)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
