package carrier

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestRoundTrip(t *testing.T) {
	in := &Envelope{Seq: 42, Service: 1, Message: []byte("hi")}

	var buf bytes.Buffer
	Encode(in, &buf)

	var out Envelope
	if err := Decode(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.Seq != in.Seq || out.Service != in.Service || !bytes.Equal(out.Message, in.Message) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestSeqRewritePreservesOtherFields(t *testing.T) {
	in := &Envelope{Seq: 7, Service: 2, Message: []byte("payload")}

	var buf bytes.Buffer
	Encode(in, &buf)

	var mid Envelope
	if err := Decode(buf.Bytes(), &mid); err != nil {
		t.Fatalf("decode: %v", err)
	}

	mid.Seq = 999 // simulate the gateway rewriting seq

	var rewritten bytes.Buffer
	Encode(&mid, &rewritten)

	var final Envelope
	if err := Decode(rewritten.Bytes(), &final); err != nil {
		t.Fatalf("decode rewritten: %v", err)
	}

	if final.Seq != 999 {
		t.Fatalf("seq not rewritten: got %d", final.Seq)
	}
	if final.Service != in.Service || !bytes.Equal(final.Message, in.Message) {
		t.Fatalf("other fields mutated by rewrite: got %+v", final)
	}
}

func TestUnknownFieldsRoundTrip(t *testing.T) {
	// Build a buffer with an extra field (number 9, varint) that this
	// gateway doesn't know about, the way a future protocol revision might.
	var b []byte
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, fieldService, protowire.VarintType)
	b = protowire.AppendVarint(b, 2)
	b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("m"))
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)

	var e Envelope
	if err := Decode(b, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(e.unknown) != 1 || e.unknown[0].num != 9 {
		t.Fatalf("expected field 9 preserved as unknown, got %+v", e.unknown)
	}

	roundTripped := EncodeBytes(&e)

	var e2 Envelope
	if err := Decode(roundTripped, &e2); err != nil {
		t.Fatalf("decode round trip: %v", err)
	}
	if len(e2.unknown) != 1 || e2.unknown[0].num != 9 {
		t.Fatalf("unknown field lost across round trip: %+v", e2.unknown)
	}
}

func TestDecodeTruncatedFails(t *testing.T) {
	var e Envelope
	if err := Decode([]byte{0x08}, &e); err == nil {
		t.Fatal("expected error decoding truncated varint field, got nil")
	}
}

func TestDecodeEmptyOK(t *testing.T) {
	var e Envelope
	if err := Decode(nil, &e); err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if e.Seq != 0 || e.Service != 0 || e.Message != nil {
		t.Fatalf("expected zero value envelope, got %+v", e)
	}
}
