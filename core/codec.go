package core

import "fmt"

// Kind tags the payload carried by a Value. The wire codec is self
// describing: every value states its own kind so a reader never has to
// guess at a schema.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindString
	KindBytes
	KindMarshallable
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindMarshallable:
		return "marshallable"
	case KindSequence:
		return "sequence"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the tagged union carried by every field of a document. Only the
// member matching Kind is meaningful.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Str   string
	Bytes []byte
	// Class names the marshallable's wire type when Kind == KindMarshallable.
	Class string
	Seq   []Document
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// VBool wraps a boolean.
func VBool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// VInt8 wraps an 8-bit integer.
func VInt8(n int8) Value { return Value{Kind: KindInt8, Int: int64(n)} }

// VInt16 wraps a 16-bit integer.
func VInt16(n int16) Value { return Value{Kind: KindInt16, Int: int64(n)} }

// VInt32 wraps a 32-bit integer.
func VInt32(n int32) Value { return Value{Kind: KindInt32, Int: int64(n)} }

// VInt64 wraps a 64-bit integer.
func VInt64(n int64) Value { return Value{Kind: KindInt64, Int: n} }

// VString wraps UTF-8 text.
func VString(s string) Value { return Value{Kind: KindString, Str: s} }

// VBytes wraps an opaque byte string (a map key or value).
func VBytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// VMarshallable wraps an opaque, class-tagged payload produced by a higher
// layer's marshaller.
func VMarshallable(class string, b []byte) Value {
	return Value{Kind: KindMarshallable, Class: class, Bytes: b}
}

// VSeq wraps a nested sequence of documents, used for subscription
// snapshots and bootstrap replication entry batches.
func VSeq(docs ...Document) Value { return Value{Kind: KindSequence, Seq: docs} }

// IsNull reports whether the value is the wire null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Field is one (name, value) pair of a Document.
type Field struct {
	Name  string
	Value Value
}

// Document is an ordered sequence of named fields, the unit the wire codec
// reads and writes. Field order is preserved for the text codec's
// debuggability but carries no semantic meaning.
type Document struct {
	Fields []Field
}

// Set appends or overwrites the field named name and returns the receiver
// for chaining.
func (d *Document) Set(name string, v Value) *Document {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			d.Fields[i].Value = v
			return d
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Value: v})
	return d
}

// Get returns the named field's value and whether it was present.
func (d Document) Get(name string) (Value, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// MustGet returns the named field or Null if absent; callers that require
// presence should check Get directly and raise ErrProtocolViolation.
func (d Document) MustGet(name string) Value {
	v, _ := d.Get(name)
	return v
}

// NewDocument builds a Document from the given fields, preserving order.
func NewDocument(fields ...Field) Document { return Document{Fields: fields} }

// MetaDocument carries per-frame routing information: the transaction id
// and either the content-service-path or its connection-local alias.
type MetaDocument struct {
	TID    int64
	CSP    string
	HasCSP bool
	CID    int64
	HasCID bool
}

// EventDocument is a data document: an event name plus its named arguments.
type EventDocument struct {
	Name string
	Args Document
}

// Arg returns the named argument's value.
func (e EventDocument) Arg(name string) (Value, bool) { return e.Args.Get(name) }

// Codec encodes and decodes the two document kinds exchanged over a Channel.
// A BinaryCodec and a TextCodec both satisfy this contract; the choice is
// fixed per channel at connect time (spec §4.2).
type Codec interface {
	// Name returns the codec's short name; no wire message carries it.
	Name() string
	MarshalMeta(m MetaDocument) ([]byte, error)
	UnmarshalMeta(b []byte) (MetaDocument, error)
	MarshalEvent(e EventDocument) ([]byte, error)
	UnmarshalEvent(b []byte) (EventDocument, error)
}
