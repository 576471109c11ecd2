// Package carrier implements the fixed binary envelope exchanged on every
// hop of the gateway: client to gateway, gateway to upstream, and back.
package carrier

// Envelope is the sole wire message. The gateway inspects and mutates only
// Seq and Service; Message and any unrecognized fields are round-tripped
// byte-for-byte across the hop.
type Envelope struct {
	Seq     uint32
	Service uint32
	Message []byte

	// unknown preserves any wire fields this gateway doesn't know about,
	// in the order they were read, so Encode can write them back out
	// untouched. Fields 1-3 are stored here only when they arrive with an
	// unexpected wire type; a repeated field 3 replaces Message instead.
	unknown []rawField
}

// rawField is an opaque wire field carried through unmodified.
type rawField struct {
	num  int32
	data []byte // the field's tag + content, ready to append verbatim
}

// Clone returns a deep copy of e, safe to mutate independently.
func (e *Envelope) Clone() *Envelope {
	out := &Envelope{
		Seq:     e.Seq,
		Service: e.Service,
	}
	if e.Message != nil {
		out.Message = append([]byte(nil), e.Message...)
	}
	if len(e.unknown) > 0 {
		out.unknown = append([]rawField(nil), e.unknown...)
	}
	return out
}
