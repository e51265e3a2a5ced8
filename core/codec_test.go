package core

import (
	"strings"
	"testing"
)

func codecRoundTripMeta(t *testing.T, c Codec, m MetaDocument) {
	t.Helper()
	b, err := c.MarshalMeta(m)
	if err != nil {
		t.Fatalf("%s MarshalMeta: %v", c.Name(), err)
	}
	got, err := c.UnmarshalMeta(b)
	if err != nil {
		t.Fatalf("%s UnmarshalMeta: %v", c.Name(), err)
	}
	if got != m {
		t.Fatalf("%s meta roundtrip mismatch: got %+v, want %+v", c.Name(), got, m)
	}
}

func TestBinaryCodecMetaRoundTrip(t *testing.T) {
	c := BinaryCodec{}
	codecRoundTripMeta(t, c, MetaDocument{TID: 42})
	codecRoundTripMeta(t, c, MetaDocument{TID: 42, CSP: "/kv?view=default", HasCSP: true})
	codecRoundTripMeta(t, c, MetaDocument{TID: 7, CID: 99, HasCID: true})
	codecRoundTripMeta(t, c, MetaDocument{TID: -1, CSP: "/kv?view=x", HasCSP: true, CID: 5, HasCID: true})
}

func TestTextCodecMetaRoundTrip(t *testing.T) {
	c := TextCodec{}
	codecRoundTripMeta(t, c, MetaDocument{TID: 42})
	codecRoundTripMeta(t, c, MetaDocument{TID: 42, CSP: "/kv?view=default", HasCSP: true})
	codecRoundTripMeta(t, c, MetaDocument{TID: 7, CID: 99, HasCID: true})
}

func sampleEvent() EventDocument {
	return EventDocument{
		Name: "put",
		Args: NewDocument(
			Field{Name: "key", Value: VBytes([]byte("k1"))},
			Field{Name: "value", Value: VBytes([]byte("v1"))},
			Field{Name: "flag", Value: VBool(true)},
			Field{Name: "n8", Value: VInt8(-8)},
			Field{Name: "n16", Value: VInt16(-16000)},
			Field{Name: "n32", Value: VInt32(123456)},
			Field{Name: "n64", Value: VInt64(9999999999)},
			Field{Name: "text", Value: VString("hello")},
			Field{Name: "nothing", Value: Null()},
			Field{Name: "obj", Value: VMarshallable("replicationEntry", []byte{1, 2, 3})},
			Field{Name: "entries", Value: VSeq(
				NewDocument(Field{Name: "key", Value: VBytes([]byte("a"))}),
				NewDocument(Field{Name: "key", Value: VBytes([]byte("b"))}),
			)},
		),
	}
}

func assertEventEqual(t *testing.T, codecName string, got, want EventDocument) {
	t.Helper()
	if got.Name != want.Name {
		t.Fatalf("%s: name mismatch: got %q, want %q", codecName, got.Name, want.Name)
	}
	if len(got.Args.Fields) != len(want.Args.Fields) {
		t.Fatalf("%s: field count mismatch: got %d, want %d", codecName, len(got.Args.Fields), len(want.Args.Fields))
	}
	for _, wf := range want.Args.Fields {
		gv, ok := got.Args.Get(wf.Name)
		if !ok {
			t.Fatalf("%s: missing field %q after roundtrip", codecName, wf.Name)
		}
		if gv.Kind != wf.Value.Kind {
			t.Fatalf("%s: field %q kind mismatch: got %v, want %v", codecName, wf.Name, gv.Kind, wf.Value.Kind)
		}
		switch wf.Value.Kind {
		case KindSequence:
			if len(gv.Seq) != len(wf.Value.Seq) {
				t.Fatalf("%s: field %q seq length mismatch: got %d, want %d", codecName, wf.Name, len(gv.Seq), len(wf.Value.Seq))
			}
		case KindBytes, KindMarshallable:
			if string(gv.Bytes) != string(wf.Value.Bytes) {
				t.Fatalf("%s: field %q bytes mismatch: got %q, want %q", codecName, wf.Name, gv.Bytes, wf.Value.Bytes)
			}
		}
	}
}

func TestBinaryCodecEventRoundTrip(t *testing.T) {
	c := BinaryCodec{}
	ev := sampleEvent()
	b, err := c.MarshalEvent(ev)
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	got, err := c.UnmarshalEvent(b)
	if err != nil {
		t.Fatalf("UnmarshalEvent: %v", err)
	}
	assertEventEqual(t, c.Name(), got, ev)
}

func TestTextCodecEventRoundTrip(t *testing.T) {
	c := TextCodec{}
	ev := sampleEvent()
	b, err := c.MarshalEvent(ev)
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	got, err := c.UnmarshalEvent(b)
	if err != nil {
		t.Fatalf("UnmarshalEvent: %v", err)
	}
	assertEventEqual(t, c.Name(), got, ev)
}

func TestTextCodecIsHumanReadable(t *testing.T) {
	c := TextCodec{}
	b, err := c.MarshalEvent(EventDocument{Name: "get", Args: NewDocument(Field{Name: "key", Value: VString("hello")})})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, "get") || !strings.Contains(s, "hello") {
		t.Fatalf("expected text codec output to contain plain event name and string value, got %q", s)
	}
}
