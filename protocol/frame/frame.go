// Package frame implements the uint32 big-endian length prefixed framing
// shared by the TCP-XML and cast transports.
//
// This package is not designed to be accessed by end users.
package frame

import (
	"bytes"
	"errors"
	"io"

	"github.com/lunixbochs/struc"
)

// MaxSize is the largest payload Read accepts
const MaxSize = 64 * 1024

// ErrTooLarge is returned by Read when the announced length exceeds the limit
var ErrTooLarge = errors.New(`frame too large`)

type frame struct {
	Size    int    `struc:"uint32,big,sizeof=Payload"`
	Payload []byte
}

type header struct {
	Size uint32 `struc:"uint32,big"`
}

// Encode returns payload with its length prefix
func Encode(payload []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := struc.Pack(buf, &frame{Payload: payload}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write writes payload to w as a single frame. The frame is assembled first so
// that it reaches the transport in one Write call.
func Write(w io.Writer, payload []byte) error {
	b, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Read reads one frame from r, rejecting payloads larger than max. A max of
// zero selects MaxSize.
func Read(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = MaxSize
	}
	h := header{}
	if err := struc.Unpack(r, &h); err != nil {
		return nil, err
	}
	if int64(h.Size) > int64(max) {
		return nil, ErrTooLarge
	}
	payload := make([]byte, h.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
