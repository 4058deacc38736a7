package swarm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// StreamType identifies which standard stream a log frame came from.
type StreamType byte

const (
	// StreamStdin is the stdin stream (rarely seen in service logs)
	StreamStdin StreamType = 0
	// StreamStdout is the stdout stream
	StreamStdout StreamType = 1
	// StreamStderr is the stderr stream
	StreamStderr StreamType = 2
)

// frameHeaderLen is the fixed header size of the Docker multiplexed log
// stream: 1 byte stream type, 3 reserved bytes, 4 bytes big-endian payload
// length.
const frameHeaderLen = 8

// maxFramePayload bounds a single frame to guard against corrupt headers.
const maxFramePayload = 16 * 1024 * 1024

// LogFrame is one decoded frame of a multiplexed log stream.
type LogFrame struct {
	Stream  StreamType
	Payload []byte
}

// FrameDecoder decodes the Docker multiplexed log framing from a raw stream.
// Each frame is a fixed 8-byte header followed by the payload.
type FrameDecoder struct {
	r      io.Reader
	header [frameHeaderLen]byte
}

// NewFrameDecoder creates a decoder reading from r.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{r: r}
}

// Next reads and returns the next frame. It returns io.EOF at a clean end of
// stream and io.ErrUnexpectedEOF when the stream ends mid-frame.
func (d *FrameDecoder) Next() (*LogFrame, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	stream := StreamType(d.header[0])
	if stream > StreamStderr {
		return nil, fmt.Errorf("invalid stream type %d in frame header", d.header[0])
	}

	length := binary.BigEndian.Uint32(d.header[4:8])
	if length > maxFramePayload {
		return nil, fmt.Errorf("frame payload length %d exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	return &LogFrame{Stream: stream, Payload: payload}, nil
}

// Demux copies decoded frames to the given writers until the stream ends or
// either writer fails. A clean EOF returns nil.
func Demux(r io.Reader, stdout, stderr io.Writer) error {
	decoder := NewFrameDecoder(r)
	for {
		frame, err := decoder.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		w := stdout
		if frame.Stream == StreamStderr {
			w = stderr
		}
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("failed to write log payload: %w", err)
		}
	}
}
