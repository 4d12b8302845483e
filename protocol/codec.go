// Package protocol provides encoding/decoding for the MAPI wire protocol
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxBlockPayload is the largest payload carried by a single block
	MaxBlockPayload = 8190

	// blockHeaderSize is the size of the little-endian block header
	blockHeaderSize = 2

	// PROTOCOL_VERSION is the only login protocol version spoken by this codec
	PROTOCOL_VERSION = 9
)

// Codec handles framing of protocol messages
type Codec interface {
	// Encode splits a message into length-prefixed blocks
	Encode(msg []byte) []byte

	// Decode reads blocks until the last block of a message
	Decode(r io.Reader) ([]byte, error)
}

// MAPICodec implements the block framing.
//
// Every block starts with a 16 bit little-endian header holding
// (payload length << 1) | lastBlockFlag.
type MAPICodec struct {
	// Buffer pool for encoding operations
	bufferPool sync.Pool
}

// NewCodec creates a new block codec
func NewCodec() Codec {
	return &MAPICodec{
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Encode frames a message. An empty message is sent as a single empty last block.
func (c *MAPICodec) Encode(msg []byte) []byte {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	var header [blockHeaderSize]byte
	for {
		n := len(msg)
		last := uint16(1)
		if n > MaxBlockPayload {
			n = MaxBlockPayload
			last = 0
		}
		binary.LittleEndian.PutUint16(header[:], uint16(n)<<1|last)
		buf.Write(header[:])
		buf.Write(msg[:n])
		msg = msg[n:]
		if last == 1 {
			break
		}
	}

	// Return a copy since we're reusing the buffer
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result
}

// Decode reads one complete message
func (c *MAPICodec) Decode(r io.Reader) ([]byte, error) {
	var header [blockHeaderSize]byte
	var msg []byte
	first := true
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if !first && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		first = false

		h := binary.LittleEndian.Uint16(header[:])
		n := int(h >> 1)
		if n > MaxBlockPayload {
			return nil, &MalformedError{Message: fmt.Sprintf("block length %d exceeds maximum %d", n, MaxBlockPayload)}
		}

		start := len(msg)
		msg = append(msg, make([]byte, n)...)
		if _, err := io.ReadFull(r, msg[start:]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if h&1 == 1 {
			if msg == nil {
				msg = []byte{}
			}
			return msg, nil
		}
	}
}
