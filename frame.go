package netframe

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Wire layout:
//
//	Frame   := LEN(4, big-endian) PAYLOAD(LEN bytes)
//	PAYLOAD := ControlByte ControlBody | Name '\n' Body
//
// LEN counts the payload only. Control frames are sent by the server:
// '#' followed by the 4-byte big-endian connection id, and '@' alone to ask
// the client for its security token. The client answers '@' with the raw
// RSA ciphertext as the whole payload.
const (
	frameHeaderSize = 4

	payloadSeparator    = '\n'
	controlAccepted     = '#'
	controlTokenRequest = '@'

	acceptedPayloadSize = 1 + 4
)

// Framing errors.
var (
	// ErrInvalidFrameLength is returned when a length header is zero or exceeds the maximum message size.
	ErrInvalidFrameLength = errors.New("invalid frame length")
	// ErrMalformedPayload is returned when a payload cannot be split into name and body.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMalformedControl is returned for a control frame with the wrong size.
	ErrMalformedControl = errors.New("malformed control frame")
)

// readFrame reads one frame from r into buf and returns the payload slice.
// header must be 4 bytes and buf at least maxSize bytes; both are reused
// across calls by the read loop. Short reads are expected on a stream and
// are absorbed by io.ReadFull.
func readFrame(r io.Reader, header, buf []byte, maxSize int) ([]byte, error) {
	if _, err := io.ReadFull(r, header[:frameHeaderSize]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header)
	if size == 0 || uint64(size) > uint64(maxSize) {
		return nil, errors.Wrapf(ErrInvalidFrameLength, "length %d, limit %d", size, maxSize)
	}

	payload := buf[:size]
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// appendFrame appends the length header and payload to dst.
func appendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// encodePayload serializes m as "<name>\n<body>" using w as scratch space.
// The returned slice is a fresh copy owned by the caller.
func encodePayload(w *Writer, m Message) ([]byte, error) {
	name := m.Name()
	if err := validateName(name); err != nil {
		return nil, err
	}

	w.Reset()
	m.Write(w)
	if err := w.Err(); err != nil {
		return nil, errors.Wrapf(err, "encode %q", name)
	}

	body := w.Bytes()
	payload := make([]byte, 0, len(name)+1+len(body))
	payload = append(payload, name...)
	payload = append(payload, payloadSeparator)
	payload = append(payload, body...)
	return payload, nil
}

// splitPayload separates the message name from its body. The first '\n'
// terminates the name.
func splitPayload(p []byte) (string, []byte, error) {
	i := bytes.IndexByte(p, payloadSeparator)
	switch {
	case i < 0:
		return "", nil, errors.Wrap(ErrMalformedPayload, "missing separator")
	case i == 0:
		return "", nil, errors.Wrap(ErrMalformedPayload, "empty name")
	}
	return string(p[:i]), p[i+1:], nil
}

func acceptedPayload(connID int) []byte {
	p := make([]byte, acceptedPayloadSize)
	p[0] = controlAccepted
	binary.BigEndian.PutUint32(p[1:], uint32(connID))
	return p
}

func parseAccepted(p []byte) (int, error) {
	if len(p) != acceptedPayloadSize || p[0] != controlAccepted {
		return 0, errors.Wrapf(ErrMalformedControl, "accepted frame of %d bytes", len(p))
	}
	return int(binary.BigEndian.Uint32(p[1:])), nil
}

func tokenRequestPayload() []byte {
	return []byte{controlTokenRequest}
}
