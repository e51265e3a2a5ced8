package core

import (
	"encoding/base64"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TextCodec is the debug wire codec: a YAML-like textual form of the same
// documents the binary codec carries. It trades size for human readability
// and is selected per-channel alongside BinaryCodec (spec §4.2).
type TextCodec struct{}

// NewTextCodec constructs the text codec. It holds no state.
func NewTextCodec() *TextCodec { return &TextCodec{} }

// Name returns the codec's short name.
func (TextCodec) Name() string { return "text" }

type textMeta struct {
	TID int64  `yaml:"tid"`
	CSP string `yaml:"csp,omitempty"`
	CID *int64 `yaml:"cid,omitempty"`
}

type textValue struct {
	Kind  string         `yaml:"kind"`
	Bool  bool           `yaml:"bool,omitempty"`
	Int   int64          `yaml:"int,omitempty"`
	Str   string         `yaml:"str,omitempty"`
	Bytes string         `yaml:"bytes,omitempty"` // base64
	Class string         `yaml:"class,omitempty"`
	Seq   []textDocument `yaml:"seq,omitempty"`
}

type textField struct {
	Name  string    `yaml:"name"`
	Value textValue `yaml:"value"`
}

type textDocument struct {
	Fields []textField `yaml:"fields,omitempty"`
}

type textEvent struct {
	Name string       `yaml:"name"`
	Args textDocument `yaml:"args"`
}

// MarshalMeta renders a MetaDocument as YAML.
func (TextCodec) MarshalMeta(m MetaDocument) ([]byte, error) {
	tm := textMeta{TID: m.TID}
	if m.HasCSP {
		tm.CSP = m.CSP
	}
	if m.HasCID {
		cid := m.CID
		tm.CID = &cid
	}
	return yaml.Marshal(tm)
}

// UnmarshalMeta is the inverse of MarshalMeta.
func (TextCodec) UnmarshalMeta(b []byte) (MetaDocument, error) {
	var tm textMeta
	if err := yaml.Unmarshal(b, &tm); err != nil {
		return MetaDocument{}, fmt.Errorf("text codec: unmarshal meta: %w", err)
	}
	m := MetaDocument{TID: tm.TID}
	if tm.CSP != "" {
		m.HasCSP, m.CSP = true, tm.CSP
	}
	if tm.CID != nil {
		m.HasCID, m.CID = true, *tm.CID
	}
	return m, nil
}

// MarshalEvent renders an EventDocument as YAML.
func (TextCodec) MarshalEvent(e EventDocument) ([]byte, error) {
	return yaml.Marshal(textEvent{Name: e.Name, Args: toTextDocument(e.Args)})
}

// UnmarshalEvent is the inverse of MarshalEvent.
func (TextCodec) UnmarshalEvent(b []byte) (EventDocument, error) {
	var te textEvent
	if err := yaml.Unmarshal(b, &te); err != nil {
		return EventDocument{}, fmt.Errorf("text codec: unmarshal event: %w", err)
	}
	args, err := fromTextDocument(te.Args)
	if err != nil {
		return EventDocument{}, err
	}
	return EventDocument{Name: te.Name, Args: args}, nil
}

func toTextDocument(d Document) textDocument {
	td := textDocument{Fields: make([]textField, 0, len(d.Fields))}
	for _, f := range d.Fields {
		td.Fields = append(td.Fields, textField{Name: f.Name, Value: toTextValue(f.Value)})
	}
	return td
}

func fromTextDocument(td textDocument) (Document, error) {
	d := Document{Fields: make([]Field, 0, len(td.Fields))}
	for _, tf := range td.Fields {
		v, err := fromTextValue(tf.Value)
		if err != nil {
			return Document{}, fmt.Errorf("field %q: %w", tf.Name, err)
		}
		d.Fields = append(d.Fields, Field{Name: tf.Name, Value: v})
	}
	return d, nil
}

func toTextValue(v Value) textValue {
	tv := textValue{Kind: v.Kind.String()}
	switch v.Kind {
	case KindNull:
	case KindBool:
		tv.Bool = v.Bool
	case KindInt8, KindInt16, KindInt32, KindInt64:
		tv.Int = v.Int
	case KindString:
		tv.Str = v.Str
	case KindBytes:
		tv.Bytes = base64.StdEncoding.EncodeToString(v.Bytes)
	case KindMarshallable:
		tv.Class = v.Class
		tv.Bytes = base64.StdEncoding.EncodeToString(v.Bytes)
	case KindSequence:
		tv.Seq = make([]textDocument, 0, len(v.Seq))
		for _, d := range v.Seq {
			tv.Seq = append(tv.Seq, toTextDocument(d))
		}
	}
	return tv
}

func fromTextValue(tv textValue) (Value, error) {
	switch tv.Kind {
	case "null", "":
		return Null(), nil
	case "bool":
		return VBool(tv.Bool), nil
	case "int8":
		return VInt8(int8(tv.Int)), nil
	case "int16":
		return VInt16(int16(tv.Int)), nil
	case "int32":
		return VInt32(int32(tv.Int)), nil
	case "int64":
		return VInt64(tv.Int), nil
	case "string":
		return VString(tv.Str), nil
	case "bytes":
		b, err := base64.StdEncoding.DecodeString(tv.Bytes)
		if err != nil {
			return Value{}, fmt.Errorf("text codec: decode bytes: %w", err)
		}
		return VBytes(b), nil
	case "marshallable":
		b, err := base64.StdEncoding.DecodeString(tv.Bytes)
		if err != nil {
			return Value{}, fmt.Errorf("text codec: decode marshallable: %w", err)
		}
		return VMarshallable(tv.Class, b), nil
	case "sequence":
		seq := make([]Document, 0, len(tv.Seq))
		for _, td := range tv.Seq {
			d, err := fromTextDocument(td)
			if err != nil {
				return Value{}, err
			}
			seq = append(seq, d)
		}
		return VSeq(seq...), nil
	default:
		return Value{}, fmt.Errorf("text codec: unknown kind %q", tv.Kind)
	}
}

var _ Codec = TextCodec{}
