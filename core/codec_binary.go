package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// BinaryCodec is the production wire codec: a compact, length-prefixed
// binary encoding with no reflection and no external schema. It is the
// default for peer-to-peer and replication channels; TextCodec trades its
// compactness for human readability during debugging.
type BinaryCodec struct{}

// NewBinaryCodec constructs the binary codec. It holds no state.
func NewBinaryCodec() *BinaryCodec { return &BinaryCodec{} }

// Name returns the codec's short name.
func (BinaryCodec) Name() string { return "binary" }

const (
	metaFlagCSP = 1 << 0
	metaFlagCID = 1 << 1
)

// MarshalMeta encodes a MetaDocument as: 1 flag byte, 8-byte TID, optional
// length-prefixed CSP, optional 8-byte CID.
func (BinaryCodec) MarshalMeta(m MetaDocument) ([]byte, error) {
	var buf bytes.Buffer
	var flags byte
	if m.HasCSP {
		flags |= metaFlagCSP
	}
	if m.HasCID {
		flags |= metaFlagCID
	}
	buf.WriteByte(flags)
	writeInt64(&buf, m.TID)
	if m.HasCSP {
		writeString(&buf, m.CSP)
	}
	if m.HasCID {
		writeInt64(&buf, m.CID)
	}
	return buf.Bytes(), nil
}

// UnmarshalMeta is the inverse of MarshalMeta.
func (BinaryCodec) UnmarshalMeta(b []byte) (MetaDocument, error) {
	r := bytes.NewReader(b)
	flagByte, err := r.ReadByte()
	if err != nil {
		return MetaDocument{}, fmt.Errorf("binary codec: read meta flags: %w", err)
	}
	m := MetaDocument{
		HasCSP: flagByte&metaFlagCSP != 0,
		HasCID: flagByte&metaFlagCID != 0,
	}
	m.TID, err = readInt64(r)
	if err != nil {
		return MetaDocument{}, fmt.Errorf("binary codec: read tid: %w", err)
	}
	if m.HasCSP {
		if m.CSP, err = readString(r); err != nil {
			return MetaDocument{}, fmt.Errorf("binary codec: read csp: %w", err)
		}
	}
	if m.HasCID {
		if m.CID, err = readInt64(r); err != nil {
			return MetaDocument{}, fmt.Errorf("binary codec: read cid: %w", err)
		}
	}
	return m, nil
}

// MarshalEvent encodes the event name followed by its argument document.
func (c BinaryCodec) MarshalEvent(e EventDocument) ([]byte, error) {
	var buf bytes.Buffer
	writeString(&buf, e.Name)
	if err := encodeDocument(&buf, e.Args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalEvent is the inverse of MarshalEvent.
func (c BinaryCodec) UnmarshalEvent(b []byte) (EventDocument, error) {
	r := bytes.NewReader(b)
	name, err := readString(r)
	if err != nil {
		return EventDocument{}, fmt.Errorf("binary codec: read event name: %w", err)
	}
	args, err := decodeDocument(r)
	if err != nil {
		return EventDocument{}, fmt.Errorf("binary codec: read event args: %w", err)
	}
	return EventDocument{Name: name, Args: args}, nil
}

func encodeDocument(buf *bytes.Buffer, d Document) error {
	writeUint16(buf, uint16(len(d.Fields)))
	for _, f := range d.Fields {
		writeString(buf, f.Name)
		if err := encodeValue(buf, f.Value); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

func decodeDocument(r io.Reader) (Document, error) {
	n, err := readUint16(r)
	if err != nil {
		return Document{}, err
	}
	d := Document{Fields: make([]Field, 0, n)}
	for i := uint16(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return Document{}, err
		}
		v, err := decodeValue(r)
		if err != nil {
			return Document{}, fmt.Errorf("field %q: %w", name, err)
		}
		d.Fields = append(d.Fields, Field{Name: name, Value: v})
	}
	return d, nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInt8:
		buf.WriteByte(byte(int8(v.Int)))
	case KindInt16:
		writeUint16(buf, uint16(int16(v.Int)))
	case KindInt32:
		writeUint32(buf, uint32(int32(v.Int)))
	case KindInt64:
		writeInt64(buf, v.Int)
	case KindString:
		writeString(buf, v.Str)
	case KindBytes:
		writeBytes(buf, v.Bytes)
	case KindMarshallable:
		writeString(buf, v.Class)
		writeBytes(buf, v.Bytes)
	case KindSequence:
		writeUint32(buf, uint32(len(v.Seq)))
		for _, d := range v.Seq {
			if err := encodeDocument(buf, d); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("binary codec: unknown kind %v", v.Kind)
	}
	return nil
}

func decodeValue(r io.Reader) (Value, error) {
	kindByte := make([]byte, 1)
	if _, err := io.ReadFull(r, kindByte); err != nil {
		return Value{}, err
	}
	kind := Kind(kindByte[0])
	switch kind {
	case KindNull:
		return Null(), nil
	case KindBool:
		b := make([]byte, 1)
		if _, err := io.ReadFull(r, b); err != nil {
			return Value{}, err
		}
		return VBool(b[0] != 0), nil
	case KindInt8:
		b := make([]byte, 1)
		if _, err := io.ReadFull(r, b); err != nil {
			return Value{}, err
		}
		return VInt8(int8(b[0])), nil
	case KindInt16:
		n, err := readUint16(r)
		if err != nil {
			return Value{}, err
		}
		return VInt16(int16(n)), nil
	case KindInt32:
		n, err := readUint32(r)
		if err != nil {
			return Value{}, err
		}
		return VInt32(int32(n)), nil
	case KindInt64:
		n, err := readInt64(r)
		if err != nil {
			return Value{}, err
		}
		return VInt64(n), nil
	case KindString:
		s, err := readString(r)
		if err != nil {
			return Value{}, err
		}
		return VString(s), nil
	case KindBytes:
		b, err := readBytes(r)
		if err != nil {
			return Value{}, err
		}
		return VBytes(b), nil
	case KindMarshallable:
		class, err := readString(r)
		if err != nil {
			return Value{}, err
		}
		b, err := readBytes(r)
		if err != nil {
			return Value{}, err
		}
		return VMarshallable(class, b), nil
	case KindSequence:
		n, err := readUint32(r)
		if err != nil {
			return Value{}, err
		}
		seq := make([]Document, 0, n)
		for i := uint32(0); i < n; i++ {
			d, err := decodeDocument(r)
			if err != nil {
				return Value{}, err
			}
			seq = append(seq, d)
		}
		return VSeq(seq...), nil
	default:
		return Value{}, fmt.Errorf("binary codec: unknown kind byte %d", kindByte[0])
	}
}

func writeUint16(buf *bytes.Buffer, n uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], n)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, n uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, n int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

var _ Codec = BinaryCodec{}
