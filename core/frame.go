package core

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame header bit layout (spec §6): bits 0..29 payload length, bit 30
// data/meta (0 = meta), bit 31 ready (1 = complete, 0 = streaming
// continuation).
const (
	headerReadyBit  = uint32(1) << 31
	headerMetaBit   = uint32(1) << 30
	headerLengthMax = uint32(1)<<30 - 1
)

// FrameHeader is the decoded form of the 4-byte frame prefix.
type FrameHeader struct {
	Length int
	IsMeta bool
	Ready  bool
}

// EncodeHeader packs a FrameHeader into its wire uint32 form.
func EncodeHeader(h FrameHeader) (uint32, error) {
	if h.Length < 0 || uint32(h.Length) > headerLengthMax {
		return 0, fmt.Errorf("core: frame payload length %d exceeds %d", h.Length, headerLengthMax)
	}
	v := uint32(h.Length)
	if !h.IsMeta {
		v |= headerMetaBit
	}
	if h.Ready {
		v |= headerReadyBit
	}
	return v, nil
}

// DecodeHeader unpacks the wire uint32 form into a FrameHeader.
func DecodeHeader(v uint32) FrameHeader {
	return FrameHeader{
		Length: int(v & headerLengthMax),
		IsMeta: v&headerMetaBit == 0,
		Ready:  v&headerReadyBit != 0,
	}
}

// WriteFrame appends a header and payload to w in the wire format. Callers
// that need write coalescing should go through Channel.WriteFrame instead of
// calling this directly against a socket.
func WriteFrame(w io.Writer, h FrameHeader, payload []byte) error {
	h.Length = len(payload)
	v, err := EncodeHeader(h)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], v)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("core: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("core: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one header+payload pair from r.
func ReadFrame(r io.Reader) (FrameHeader, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return FrameHeader{}, nil, err
	}
	h := DecodeHeader(binary.LittleEndian.Uint32(hdr[:]))
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return FrameHeader{}, nil, fmt.Errorf("core: read frame payload: %w", err)
		}
	}
	return h, payload, nil
}

// appendFrame writes a header+payload pair into buf, used by Channel's
// coalescing writer to batch several frames into one socket write.
func appendFrame(buf []byte, h FrameHeader, payload []byte) ([]byte, error) {
	h.Length = len(payload)
	v, err := EncodeHeader(h)
	if err != nil {
		return nil, err
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], v)
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	return buf, nil
}
