/*Package tlv implements the BER-style tag/length/value codec that carries
every command and reply payload in the cardreaders wire protocol.

A Tlv's tag is an unsigned integer of 1-4 bytes: the first byte's low five
bits being 0b11111 signals continuation bytes follow while their high bit is
set. The constructed bit (0x20) on the first tag byte
must agree with the value's kind: a constructed tag holds child Tlv nodes, a
primitive tag holds raw bytes, and Empty is permitted only when explicitly
requested (never produced by Parse).

This mirrors uno8_nfc_reader/src/tlv_parser.rs's Tlv/Value/TagValue design,
translated from Rust's closure-based iterator parsing into a Go byte-slice
cursor, and reuses this module's util.GetBit bit helper for the
constructed-bit checks instead of reimplementing it.
*/
package tlv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nigma143/cardreaders/cderr"
	"github.com/nigma143/cardreaders/util"
)

// Kind distinguishes a Tlv's Value variant.
type Kind int

const (
	// Empty holds no bytes and no children. Only constructible directly,
	// never produced by Parse (a zero-length primitive parses as
	// Primitive with an empty byte slice).
	Empty Kind = iota
	// Primitive holds raw value bytes.
	Primitive
	// Constructed holds an ordered list of child Tlv nodes.
	Constructed
)

// Tlv is one node of the tag-length-value tree.
type Tlv struct {
	tag      uint32
	tagLen   int
	kind     Kind
	value    []byte
	children []Tlv
}

const constructedMask = 0x20

// isConstructedTag reports whether the most-significant tag byte's bit 0x20
// is set: a tag is constructed iff that bit is set.
func isConstructedTag(tag uint32, tagLen int) bool {
	shift := uint((tagLen - 1) * 8)
	msb := byte(tag >> shift)
	return util.GetBit(msb, 5)
}

// New builds a primitive Tlv from raw value bytes. It errors if tag's
// constructed bit is set (use NewConstructed for that case).
func New(tag uint32, value []byte) (Tlv, error) {
	tagLen := tagByteLen(tag)
	if isConstructedTag(tag, tagLen) {
		return Tlv{}, cderr.ErrValueKindMismatch
	}
	cp := append([]byte(nil), value...)
	return Tlv{tag: tag, tagLen: tagLen, kind: Primitive, value: cp}, nil
}

// NewConstructed builds a constructed Tlv from child nodes, in the order
// given -- serialisation preserves this order. It errors if tag's
// constructed bit is clear.
func NewConstructed(tag uint32, children []Tlv) (Tlv, error) {
	tagLen := tagByteLen(tag)
	if !isConstructedTag(tag, tagLen) {
		return Tlv{}, cderr.ErrValueKindMismatch
	}
	cp := append([]Tlv(nil), children...)
	return Tlv{tag: tag, tagLen: tagLen, kind: Constructed, children: cp}, nil
}

// NewEmpty builds an Empty node for the given tag. Empty is used for
// request payloads with no content, e.g. Get(0xDF4D, Empty).
func NewEmpty(tag uint32) Tlv {
	return Tlv{tag: tag, tagLen: tagByteLen(tag), kind: Empty}
}

// NewTyped wraps a TagValue's encoded bytes into a primitive Tlv.
func NewTyped(tag uint32, v TagValue) (Tlv, error) {
	return New(tag, v.Bytes())
}

// Tag returns the node's tag number.
func (t Tlv) Tag() uint32 { return t.tag }

// Kind returns the node's value kind.
func (t Tlv) Kind() Kind { return t.kind }

// IsConstructed reports whether the node holds children.
func (t Tlv) IsConstructed() bool { return t.kind == Constructed }

// Value returns the primitive's raw bytes. It is nil for Constructed/Empty.
func (t Tlv) Value() []byte { return t.value }

// Children returns the constructed node's direct children. It is nil for
// Primitive/Empty.
func (t Tlv) Children() []Tlv { return t.children }

// tagByteLen returns the number of non-zero leading bytes the tag occupies,
// minimum 1, mirroring tlv_parser.rs's tag_len().
func tagByteLen(tag uint32) int {
	n := 1
	v := tag >> 8
	for v != 0 {
		n++
		v >>= 8
	}
	if n > 4 {
		n = 4
	}
	return n
}

func encodeTag(tag uint32, tagLen int) []byte {
	out := make([]byte, tagLen)
	for i := tagLen - 1; i >= 0; i-- {
		out[i] = byte(tag)
		tag >>= 8
	}
	return out
}

// encodeLength renders n in BER definite form: n<=0x7F inline, else
// 0x80|k followed by k big-endian bytes, mirroring tlv_parser.rs's
// encode_len().
func encodeLength(n int) []byte {
	if n <= 0x7F {
		return []byte{byte(n)}
	}
	var raw []byte
	for v := n; v > 0; v >>= 8 {
		raw = append([]byte{byte(v)}, raw...)
	}
	out := make([]byte, 0, 1+len(raw))
	out = append(out, 0x80|byte(len(raw)))
	out = append(out, raw...)
	return out
}

// Len returns the number of value bytes the length field describes: for
// Primitive, len(value); for Constructed, the sum of each child's
// tag_len+len_field+value_len (ToVec's length); for Empty, 0.
func (t Tlv) Len() int {
	switch t.kind {
	case Primitive:
		return len(t.value)
	case Constructed:
		n := 0
		for _, c := range t.children {
			n += c.totalLen()
		}
		return n
	default:
		return 0
	}
}

func (t Tlv) totalLen() int {
	l := t.Len()
	return t.tagLen + len(encodeLength(l)) + l
}

// IsEmpty reports whether the node carries no bytes (Empty, or a Primitive
// / Constructed whose Len() is zero).
func (t Tlv) IsEmpty() bool { return t.Len() == 0 }

// ToVec serialises t: tag bytes, BER length, then value bytes (raw for
// Primitive, each child's ToVec() concatenated in order for Constructed).
// Empty serialises as tag + length-0.
func (t Tlv) ToVec() []byte {
	out := make([]byte, 0, t.totalLen())
	out = append(out, encodeTag(t.tag, t.tagLen)...)
	out = append(out, encodeLength(t.Len())...)
	switch t.kind {
	case Primitive:
		out = append(out, t.value...)
	case Constructed:
		for _, c := range t.children {
			out = append(out, c.ToVec()...)
		}
	}
	return out
}

// String renders t as a human-readable, indented tree, for log lines and
// SemanticError diagnostics.
func (t Tlv) String() string {
	var b strings.Builder
	t.write(&b, 0)
	return b.String()
}

func (t Tlv) write(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s%04X", indent, t.tag)
	switch t.kind {
	case Empty:
		b.WriteString(" (empty)\n")
	case Primitive:
		fmt.Fprintf(b, ": %X\n", t.value)
	case Constructed:
		b.WriteString(":\n")
		for _, c := range t.children {
			c.write(b, depth+1)
		}
	}
}

// reader is a cursor over a byte slice used by Parse.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, cderr.ErrTruncatedTLV
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// readTag consumes the tag bytes: consume the first byte; if its low five
// bits are 0b11111, keep consuming continuation bytes while their high bit
// is set, shifting the accumulator left 8 bits each step. An overflow past
// 32 bits (4 tag bytes) is ErrInvalidTag.
func (r *reader) readTag() (uint32, int, error) {
	first, err := r.readByte()
	if err != nil {
		return 0, 0, err
	}
	tag := uint32(first)
	n := 1
	if first&0x1F == 0x1F {
		for {
			if n >= 4 {
				return 0, 0, cderr.ErrInvalidTag
			}
			b, err := r.readByte()
			if err != nil {
				return 0, 0, err
			}
			tag = tag<<8 | uint32(b)
			n++
			if b&0x80 == 0 {
				break
			}
		}
	}
	return tag, n, nil
}

// maxLengthContinuation is the accepted k for the BER long-form length
// reader: k <= 4, enough for any length this device's tag space actually
// produces while still rejecting pathological continuation counts outright
// rather than letting a uint64 shift silently overflow.
const maxLengthContinuation = 4

// readLength consumes a BER definite-form length: first byte L; if
// L&0x80, the low seven bits are k (k<=4 accepted), followed by k
// big-endian length bytes.
func (r *reader) readLength() (int, error) {
	first, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if first&0x80 == 0 {
		return int(first), nil
	}
	k := int(first & 0x7F)
	if k == 0 || k > maxLengthContinuation {
		return 0, cderr.ErrInvalidLength
	}
	n := 0
	for i := 0; i < k; i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		n = n<<8 | int(b)
	}
	return n, nil
}

// Parse decodes one Tlv tree from buf's head, returning the node and the
// number of bytes consumed. It is the inverse of ToVec: parse(serialise(t))
// == t for every well-formed tree.
func Parse(buf []byte) (Tlv, int, error) {
	r := &reader{buf: buf}
	t, err := r.parseOne()
	if err != nil {
		return Tlv{}, 0, err
	}
	return t, r.pos, nil
}

func (r *reader) parseOne() (Tlv, error) {
	tag, tagLen, err := r.readTag()
	if err != nil {
		return Tlv{}, err
	}
	length, err := r.readLength()
	if err != nil {
		return Tlv{}, err
	}
	if r.remaining() < length {
		return Tlv{}, &cderr.TooShortBodyError{Expected: length, Found: r.remaining()}
	}
	body := r.buf[r.pos : r.pos+length]
	bodyEnd := r.pos + length

	if isConstructedTag(tag, tagLen) {
		cr := &reader{buf: body}
		var children []Tlv
		for cr.remaining() > 0 {
			child, err := cr.parseOne()
			if err != nil {
				return Tlv{}, err
			}
			children = append(children, child)
		}
		r.pos = bodyEnd
		return Tlv{tag: tag, tagLen: tagLen, kind: Constructed, children: children}, nil
	}

	r.pos = bodyEnd
	return Tlv{tag: tag, tagLen: tagLen, kind: Primitive, value: append([]byte(nil), body...)}, nil
}

// ParsePath parses a string like "FF01/DF46" into a tag sequence for the
// path accessor below. Segments are hex tag numbers separated by '/'.
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseUint(p, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid tag path segment %q: %w", p, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

// FindVal resolves path left-to-right: the first segment must equal t's own
// tag, each subsequent segment must match a direct child of the previously
// resolved constructed node. It returns (node, true) on success, or the
// zero Tlv and false if no node exists on the path.
func (t Tlv) FindVal(path string) (Tlv, bool) {
	tags, err := ParsePath(path)
	if err != nil || len(tags) == 0 || tags[0] != t.tag {
		return Tlv{}, false
	}
	cur := t
	for _, tag := range tags[1:] {
		if cur.kind != Constructed {
			return Tlv{}, false
		}
		found := false
		for _, c := range cur.children {
			if c.tag == tag {
				cur = c
				found = true
				break
			}
		}
		if !found {
			return Tlv{}, false
		}
	}
	return cur, true
}

// Child returns the first direct child with the given tag.
func (t Tlv) Child(tag uint32) (Tlv, bool) {
	for _, c := range t.children {
		if c.tag == tag {
			return c, true
		}
	}
	return Tlv{}, false
}
