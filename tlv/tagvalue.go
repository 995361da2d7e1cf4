package tlv

import (
	"encoding/binary"
	"fmt"

	"github.com/nigma143/cardreaders/cderr"
)

// TagValue converts between a typed Go value and the raw bytes a primitive
// Tlv carries, mirroring uno8_nfc_reader/src/tag_value.rs's TagValue trait
// (StringAsciiTagValue, U16BigEndianTagValue, IntegerTagValue).
type TagValue interface {
	// Bytes renders the value as wire bytes.
	Bytes() []byte
}

// FromBytes is implemented by TagValue types that can also be parsed back
// from wire bytes (the from_raw half of tag_value.rs's trait).
type FromBytes interface {
	TagValue
	FromBytes(raw []byte) error
}

// GetVal resolves path on t, decodes the primitive node's bytes into v, and
// returns whether a node was found get_val<T>(path):
// returns (false, nil) if the path yields no node; returns an error if the
// node exists but is constructed, or if v's FromBytes fails.
func GetVal(t Tlv, path string, v FromBytes) (bool, error) {
	node, ok := t.FindVal(path)
	if !ok {
		return false, nil
	}
	if node.kind == Constructed {
		return true, cderr.ErrManyValues
	}
	if err := v.FromBytes(node.value); err != nil {
		return true, err
	}
	return true, nil
}

// U16BE is a big-endian 16-bit typed tag value (tag_value.rs's
// U16BigEndianTagValue).
type U16BE uint16

// Bytes implements TagValue.
func (v U16BE) Bytes() []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(v))
	return out
}

// FromBytes implements FromBytes. raw must be exactly 2 bytes.
func (v *U16BE) FromBytes(raw []byte) error {
	if len(raw) != 2 {
		return fmt.Errorf("U16BE: expected 2 bytes, got %d", len(raw))
	}
	*v = U16BE(binary.BigEndian.Uint16(raw))
	return nil
}

// AsciiString is a UTF-8/ASCII typed tag value, rendered as-is
// (tag_value.rs's StringAsciiTagValue).
type AsciiString string

// Bytes implements TagValue.
func (v AsciiString) Bytes() []byte { return []byte(v) }

// FromBytes implements FromBytes.
func (v *AsciiString) FromBytes(raw []byte) error {
	*v = AsciiString(raw)
	return nil
}

// Hex is an opaque byte string rendered as uppercase hex on display.
type Hex []byte

// Bytes implements TagValue.
func (v Hex) Bytes() []byte { return []byte(v) }

// FromBytes implements FromBytes.
func (v *Hex) FromBytes(raw []byte) error {
	*v = append(Hex(nil), raw...)
	return nil
}

func (v Hex) String() string { return fmt.Sprintf("%X", []byte(v)) }

// Int is a BCD-encoded decimal value: each nibble is a digit 0-9, MSB
// first, padded to Size digits. This completes tag_value.rs's
// IntegerTagValue, whose from_raw was left as todo!() in the original
// source -- ("Int(size): BCD-encoded decimal...") is authoritative
// here since the original never finished it.
type Int struct {
	Value uint64
	Size  int // number of decimal digits
}

// NewInt builds an Int for value, padded to size digits.
func NewInt(value uint64, size int) Int {
	return Int{Value: value, Size: size}
}

// Bytes implements TagValue: ceil(size/2) bytes, BCD, MSB-first, the digit
// at an odd size's leading nibble is 0.
func (v Int) Bytes() []byte {
	digits := make([]byte, v.Size)
	n := v.Value
	for i := v.Size - 1; i >= 0; i-- {
		digits[i] = byte(n % 10)
		n /= 10
	}
	nbytes := (v.Size + 1) / 2
	out := make([]byte, nbytes)
	di := 0
	// If Size is odd, the first nibble of the first byte is zero-padded.
	if v.Size%2 == 1 {
		out[0] = digits[0]
		di = 1
	}
	bi := 0
	if v.Size%2 == 1 {
		bi = 1
	}
	for ; di < len(digits); di += 2 {
		hi := digits[di]
		lo := byte(0)
		if di+1 < len(digits) {
			lo = digits[di+1]
		}
		out[bi] = hi<<4 | lo
		bi++
	}
	return out
}

// FromBytes implements FromBytes, decoding BCD nibbles MSB-first into
// Value. Size is inferred as 2*len(raw); callers that know an odd digit
// count should set Size explicitly afterward if the leading nibble is a
// padding zero.
func (v *Int) FromBytes(raw []byte) error {
	var val uint64
	for _, b := range raw {
		hi := b >> 4
		lo := b & 0x0F
		if hi > 9 || lo > 9 {
			return fmt.Errorf("Int: invalid BCD byte 0x%02X", b)
		}
		val = val*100 + uint64(hi)*10 + uint64(lo)
	}
	v.Value = val
	v.Size = len(raw) * 2
	return nil
}

// SerialNumber is the 8-byte composite identity defines:
// U16BE bom_version || U16BE partial_pn || 4-byte unique_id.
type SerialNumber struct {
	BOMVersion uint16
	PartialPN  uint16
	UniqueID   [4]byte
}

// Bytes implements TagValue.
func (v SerialNumber) Bytes() []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint16(out[0:2], v.BOMVersion)
	binary.BigEndian.PutUint16(out[2:4], v.PartialPN)
	copy(out[4:8], v.UniqueID[:])
	return out
}

// FromBytes implements FromBytes. raw must be exactly 8 bytes.
func (v *SerialNumber) FromBytes(raw []byte) error {
	if len(raw) != 8 {
		return fmt.Errorf("SerialNumber: expected 8 bytes, got %d", len(raw))
	}
	v.BOMVersion = binary.BigEndian.Uint16(raw[0:2])
	v.PartialPN = binary.BigEndian.Uint16(raw[2:4])
	copy(v.UniqueID[:], raw[4:8])
	return nil
}

// String formats the serial number as "{bom}_{pn}_{unique_hex}".
func (v SerialNumber) String() string {
	return fmt.Sprintf("%d_%d_%X", v.BOMVersion, v.PartialPN, v.UniqueID[:])
}

// AnnexE is the EMV contactless Annex E single-byte transaction-termination
// reason code, restricted to its enumerated set of known values.
type AnnexE byte

// The accepted AnnexE codes.
const (
	AnnexECollision         AnnexE = 0x06
	AnnexETerminated        AnnexE = 0x09
	AnnexESeePhone          AnnexE = 0x29
	AnnexEUseContactChannel AnnexE = 0x2A
	AnnexETryAgain          AnnexE = 0x2B
)

func (v AnnexE) valid() bool {
	switch v {
	case AnnexECollision, AnnexETerminated, AnnexESeePhone, AnnexEUseContactChannel, AnnexETryAgain:
		return true
	default:
		return false
	}
}

// Bytes implements TagValue.
func (v AnnexE) Bytes() []byte { return []byte{byte(v)} }

// FromBytes implements FromBytes; values outside the enumerated set are
// parse errors.
func (v *AnnexE) FromBytes(raw []byte) error {
	if len(raw) != 1 {
		return fmt.Errorf("AnnexE: expected 1 byte, got %d", len(raw))
	}
	candidate := AnnexE(raw[0])
	if !candidate.valid() {
		return fmt.Errorf("AnnexE: unknown code 0x%02X", raw[0])
	}
	*v = candidate
	return nil
}

// ExtDisplayMode is the device's external-display capability level.
type ExtDisplayMode byte

// The defined display modes.
const (
	ExtDisplayNone   ExtDisplayMode = 0x00
	ExtDisplaySimple ExtDisplayMode = 0x01
	ExtDisplayFull   ExtDisplayMode = 0x02
)

// Bytes implements TagValue.
func (v ExtDisplayMode) Bytes() []byte { return []byte{byte(v)} }

// FromBytes implements FromBytes.
func (v *ExtDisplayMode) FromBytes(raw []byte) error {
	if len(raw) != 1 {
		return fmt.Errorf("ExtDisplayMode: expected 1 byte, got %d", len(raw))
	}
	switch ExtDisplayMode(raw[0]) {
	case ExtDisplayNone, ExtDisplaySimple, ExtDisplayFull:
		*v = ExtDisplayMode(raw[0])
		return nil
	default:
		return fmt.Errorf("ExtDisplayMode: unknown mode 0x%02X", raw[0])
	}
}

func (v ExtDisplayMode) String() string {
	switch v {
	case ExtDisplayNone:
		return "NoDisplay"
	case ExtDisplaySimple:
		return "Simple"
	case ExtDisplayFull:
		return "Full"
	default:
		return fmt.Sprintf("ExtDisplayMode(0x%02X)", byte(v))
	}
}
