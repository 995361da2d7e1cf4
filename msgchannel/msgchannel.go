/*Package msgchannel presents the typed WriteMessage/ReadMessage channel
over the byte-message framer (package envelope) and TLV codec (package
tlv), including ACK/NACK classification.

Grounded on uno8_nfc_reader/src/hid_message_channel.rs's MessageChannel
impl: write() maps Do/Get/Set to their opcode and serialises the TLV
payload; try_read() pulls frame bytes until a full envelope is buffered,
decodes it, and classifies the payload into Ask/Nack/Do/Get/Set. Here the
frame accumulation loop itself lives in this package (hidframe only knows
about single reports), a two-phase pull: accumulate header bytes, decode
LEN, then accumulate the rest of the message.
*/
package msgchannel

import (
	"github.com/nigma143/cardreaders/cderr"
	"github.com/nigma143/cardreaders/envelope"
	"github.com/nigma143/cardreaders/hidframe"
	"github.com/nigma143/cardreaders/tlv"
)

// Kind distinguishes a decoded ReadMessage's variant.
type Kind int

// The five ReadMessage variants.
const (
	KindAsk Kind = iota
	KindNack
	KindDo
	KindGet
	KindSet
)

// ReadMessage is a decoded inbound message.
type ReadMessage struct {
	Kind     Kind
	NackCode byte
	TLV      tlv.Tlv
}

// WriteMessage is an outbound command; only Do/Get/Set are writable, never
// Ack/Nack.
type WriteMessage struct {
	Op  envelope.Opcode
	TLV tlv.Tlv
}

// WriteDo builds a Do WriteMessage.
func WriteDo(t tlv.Tlv) WriteMessage { return WriteMessage{Op: envelope.OpDo, TLV: t} }

// WriteGet builds a Get WriteMessage.
func WriteGet(t tlv.Tlv) WriteMessage { return WriteMessage{Op: envelope.OpGet, TLV: t} }

// WriteSet builds a Set WriteMessage.
func WriteSet(t tlv.Tlv) WriteMessage { return WriteMessage{Op: envelope.OpSet, TLV: t} }

// Channel is a message channel over a byte-frame transport.
type Channel struct {
	transport *hidframe.Transport
}

// New wraps a Transport in a Channel.
func New(transport *hidframe.Transport) *Channel {
	return &Channel{transport: transport}
}

// Write serialises message's TLV payload, frames it via envelope.Encode,
// and writes it to the transport.
func (c *Channel) Write(message WriteMessage) error {
	payload := message.TLV.ToVec()
	frame, err := envelope.Encode(message.Op, payload)
	if err != nil {
		return cderr.Wrap("msgchannel write", err)
	}
	if err := c.transport.Write(frame); err != nil {
		return cderr.Wrap("msgchannel write", err)
	}
	return nil
}

// TryRead attempts to accumulate and decode one envelope without blocking
// beyond what a single hidframe.Read call blocks for. It returns
// (ReadMessage{}, false, nil) when no data is currently available: the
// underlying device returned an empty report, meaning no data available.
func (c *Channel) TryRead() (ReadMessage, bool, error) {
	var buf []byte

	chunk, err := c.transport.Read()
	if err != nil {
		return ReadMessage{}, false, cderr.Wrap("msgchannel read", err)
	}
	if len(chunk) == 0 {
		return ReadMessage{}, false, nil
	}
	buf = append(buf, chunk...)

	// Accumulate header bytes: STX + LEN(1-3) + UNIT + OPCODE, at least 5
	// bytes before LEN can be decoded.
	for len(buf) < 5 {
		chunk, err := c.transport.Read()
		if err != nil {
			return ReadMessage{}, false, cderr.Wrap("msgchannel read", err)
		}
		buf = append(buf, chunk...)
	}

	total, ok := envelope.DecodedLen(buf)
	if !ok {
		return ReadMessage{}, false, cderr.Wrap("msgchannel read", cderr.ErrTruncatedTLV)
	}
	for len(buf) < total {
		chunk, err := c.transport.Read()
		if err != nil {
			return ReadMessage{}, false, cderr.Wrap("msgchannel read", err)
		}
		buf = append(buf, chunk...)
	}

	env, err := envelope.Decode(buf)
	if err != nil {
		return ReadMessage{}, false, cderr.Wrap("msgchannel read", err)
	}

	msg, err := classify(env)
	if err != nil {
		return ReadMessage{}, false, err
	}
	return msg, true, nil
}

// classify maps a decoded envelope to a typed ReadMessage:
// payload [0x00,0x00] is always Ask regardless of opcode; otherwise Nack's
// single payload byte is the code, and Do/Get/Set payloads parse as TLV.
func classify(env envelope.Envelope) (ReadMessage, error) {
	if env.IsAck() {
		return ReadMessage{Kind: KindAsk}, nil
	}
	switch env.Opcode {
	case envelope.OpNack:
		if len(env.Payload) < 1 {
			return ReadMessage{}, cderr.ErrTruncatedTLV
		}
		return ReadMessage{Kind: KindNack, NackCode: env.Payload[0]}, nil
	case envelope.OpDo, envelope.OpGet, envelope.OpSet:
		t, _, err := tlv.Parse(env.Payload)
		if err != nil {
			return ReadMessage{}, cderr.Wrap("tlv parse", err)
		}
		kind := KindDo
		switch env.Opcode {
		case envelope.OpGet:
			kind = KindGet
		case envelope.OpSet:
			kind = KindSet
		}
		return ReadMessage{Kind: kind, TLV: t}, nil
	default:
		return ReadMessage{}, cderr.ErrBadOpcode
	}
}
