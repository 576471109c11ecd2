package carrier

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the carrier envelope, matching the pb::carrier message
// the original implementation serialized with protobuf. We speak the same
// wire shape without depending on a generated .proto/protoc step.
const (
	fieldSeq     protowire.Number = 1
	fieldService protowire.Number = 2
	fieldMessage protowire.Number = 3
)

// Encode clears buf and writes e's binary serialization into it. Encode is
// total: it never fails on a well-formed *Envelope.
func Encode(e *Envelope, buf *bytes.Buffer) {
	buf.Reset()

	var b []byte
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Seq))
	b = protowire.AppendTag(b, fieldService, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Service))
	b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Message)
	for _, f := range e.unknown {
		b = append(b, f.data...)
	}

	buf.Write(b)
}

// EncodeBytes is a convenience wrapper around Encode for callers that just
// want the serialized bytes (the write path never reuses the buffer across
// writes, so a scratch bytes.Buffer would be wasted ceremony there).
func EncodeBytes(e *Envelope) []byte {
	var buf bytes.Buffer
	Encode(e, &buf)
	return buf.Bytes()
}

// Decode parses data into e, overwriting any previous contents. It fails
// cleanly — returning an error rather than panicking — on truncated or
// malformed input. Fields this gateway doesn't recognize are preserved
// verbatim so Encode can write them back out unchanged.
func Decode(data []byte, e *Envelope) error {
	e.Seq = 0
	e.Service = 0
	e.Message = nil
	e.unknown = e.unknown[:0]

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("carrier: decoding tag: %w", protowire.ParseError(n))
		}
		tagLen := n
		data = data[n:]

		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("carrier: decoding seq: %w", protowire.ParseError(n))
			}
			e.Seq = uint32(v)
			data = data[n:]

		case num == fieldService && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("carrier: decoding service: %w", protowire.ParseError(n))
			}
			e.Service = uint32(v)
			data = data[n:]

		case num == fieldMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("carrier: decoding message: %w", protowire.ParseError(n))
			}
			e.Message = append([]byte(nil), v...)
			data = data[n:]

		default:
			valLen := protowire.ConsumeFieldValue(num, typ, data)
			if valLen < 0 {
				return fmt.Errorf("carrier: decoding field %d: %w", num, protowire.ParseError(valLen))
			}
			raw := make([]byte, 0, tagLen+valLen)
			raw = protowire.AppendTag(raw, num, typ)
			raw = append(raw, data[:valLen]...)
			e.unknown = append(e.unknown, rawField{num: int32(num), data: raw})
			data = data[valLen:]
		}
	}
	return nil
}
