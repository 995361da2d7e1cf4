package cardreader_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/nigma143/cardreaders/cardreader"
	"github.com/nigma143/cardreaders/envelope"
	"github.com/nigma143/cardreaders/hidframe"
	"github.com/nigma143/cardreaders/msgchannel"
	"github.com/nigma143/cardreaders/tlv"
)

// scriptedDevice plays the device side of the protocol for the end-to-end
// cardreader scenarios: every write is ACKed, and replyFor supplies however
// many typed replies that command should produce (zero or more, in order),
// matching "a command produces an Ack, then zero or more typed
// replies" shape.
type scriptedDevice struct {
	inbox   [][]byte
	replies map[uint32][]tlv.Tlv // keyed by the outgoing command's root tag
	sent    []tlv.Tlv            // every outgoing command, in write order
}

func (f *scriptedDevice) Write(b []byte) (int, error) {
	n := int(b[1])
	frame := b[2 : 2+n]
	env, err := envelope.Decode(frame)
	if err != nil {
		return len(b), nil
	}
	ack, _ := envelope.EncodeAck(env.Opcode)
	f.enqueueFrame(ack)

	outgoing, _, err := tlv.Parse(env.Payload)
	if err != nil {
		return len(b), nil
	}
	f.sent = append(f.sent, outgoing)
	for _, reply := range f.replies[outgoing.Tag()] {
		frame, _ := envelope.Encode(env.Opcode, reply.ToVec())
		f.enqueueFrame(frame)
	}
	return len(b), nil
}

func (f *scriptedDevice) Read(b []byte) (int, error) {
	if len(f.inbox) == 0 {
		return 0, nil
	}
	report := f.inbox[0]
	f.inbox = f.inbox[1:]
	return copy(b, report), nil
}

func (f *scriptedDevice) enqueueFrame(frame []byte) {
	const chunk = 63
	for len(frame) > 0 {
		n := chunk
		if n > len(frame) {
			n = len(frame)
		}
		report := make([]byte, 64)
		report[0] = byte(n)
		copy(report[1:], frame[:n])
		f.inbox = append(f.inbox, report)
		frame = frame[n:]
	}
}

func successReply(children ...tlv.Tlv) tlv.Tlv {
	t, err := tlv.NewConstructed(0xFF01, children)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestDevice(dev *scriptedDevice) *cardreader.Device {
	transport := hidframe.New(dev, nil)
	channel := msgchannel.New(transport)
	d := cardreader.New(channel, nil)
	d.SetAckTimeout(200 * time.Millisecond)
	d.SetWriteTimeout(200 * time.Millisecond)
	d.SetReadTimeout(500 * time.Millisecond)
	return d
}

func TestGetSerialNumberEndToEnd(t *testing.T) {
	snNode, err := tlv.New(0xDF4D, []byte{0, 7, 0, 9, 0xCA, 0xFE, 0xBA, 0xBE})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dev := &scriptedDevice{replies: map[uint32][]tlv.Tlv{
		0xDF4D: {successReply(snNode)},
	}}
	d := newTestDevice(dev)
	defer d.Close()

	sn, err := d.GetSerialNumber()
	if err != nil {
		t.Fatalf("GetSerialNumber: %v", err)
	}
	if sn != "7_9_CAFEBABE" {
		t.Errorf("got %q, want 7_9_CAFEBABE", sn)
	}
}

func TestExtDisplayGetSetModeEndToEnd(t *testing.T) {
	modeNode, _ := tlv.New(0xDF46, tlv.ExtDisplayFull.Bytes())
	dev := &scriptedDevice{replies: map[uint32][]tlv.Tlv{
		0xDF46: {successReply(modeNode)},
	}}
	d := newTestDevice(dev)
	defer d.Close()

	ext, ok := d.ExtDisplay()
	if !ok {
		t.Fatalf("expected ext display capability to be present")
	}
	mode, err := ext.GetMode()
	if err != nil {
		t.Fatalf("GetMode: %v", err)
	}
	if mode != tlv.ExtDisplayFull {
		t.Errorf("got %v, want Full", mode)
	}
	if err := ext.SetMode(tlv.ExtDisplaySimple); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
}

func TestPollEmvSuccess(t *testing.T) {
	dev := &scriptedDevice{replies: map[uint32][]tlv.Tlv{
		0xDF8212: {successReply()},
		0xFD:     {successReply(tlv.NewEmpty(0xFC))},
	}}
	d := newTestDevice(dev)
	defer d.Close()

	result, err := d.PollEMV(nil, nil)
	if err != nil {
		t.Fatalf("PollEMV: %v", err)
	}
	if result.Canceled {
		t.Fatalf("expected a successful (non-canceled) result")
	}
	if _, ok := result.TLV.FindVal("FF01/FC"); !ok {
		t.Errorf("expected result TLV to contain FF01/FC")
	}
}

func TestPollEmvContinuesThroughCollisionThenTerminates(t *testing.T) {
	collision, _ := tlv.New(0xDF68, []byte{byte(tlv.AnnexECollision)})
	collisionReply, _ := tlv.NewConstructed(0xF2, []tlv.Tlv{collision})
	collisionRoot, _ := tlv.NewConstructed(0xFF03, []tlv.Tlv{collisionReply})

	terminated, _ := tlv.New(0xDF68, []byte{byte(tlv.AnnexETerminated)})
	terminatedReply, _ := tlv.NewConstructed(0xF2, []tlv.Tlv{terminated})
	terminatedRoot, _ := tlv.NewConstructed(0xFF03, []tlv.Tlv{terminatedReply})

	dev := &scriptedDevice{replies: map[uint32][]tlv.Tlv{
		0xDF8212: {successReply()},
		0xFD:     {collisionRoot, terminatedRoot},
	}}
	d := newTestDevice(dev)
	defer d.Close()

	result, err := d.PollEMV(nil, nil)
	if err != nil {
		t.Fatalf("PollEMV: %v", err)
	}
	if !result.Canceled {
		t.Errorf("expected AnnexETerminated to surface as Canceled")
	}
}

func TestPollEmvCancelDrains(t *testing.T) {
	dev := &scriptedDevice{replies: map[uint32][]tlv.Tlv{
		0xDF8212: {successReply()},
		// tagPollRequest (0xFD) deliberately never replies: the caller
		// cancels before any reply arrives.
		0xDF7D: {successReply()}, // stop-macro drain reply
	}}
	d := newTestDevice(dev)
	defer d.Close()

	cancel := cardreader.NewCancelFlag()
	cancel.Cancel()

	result, err := d.PollEMV(nil, cancel)
	if err != nil {
		t.Fatalf("PollEMV: %v", err)
	}
	if !result.Canceled {
		t.Errorf("expected cancellation to be reported as Canceled")
	}
}

func TestPurchasePollRequestCarriesAmountFields(t *testing.T) {
	dev := &scriptedDevice{replies: map[uint32][]tlv.Tlv{
		0xDF8212: {successReply()},
		0xFD:     {successReply(tlv.NewEmpty(0xFC))},
	}}
	d := newTestDevice(dev)
	defer d.Close()

	purchase := &cardreader.Purchase{Type: 0x00, CurrencyCode: 840, Amount: 1999}
	result, err := d.PollEMV(purchase, nil)
	if err != nil {
		t.Fatalf("PollEMV: %v", err)
	}
	if result.Canceled {
		t.Fatalf("expected a successful result")
	}

	var req tlv.Tlv
	for _, s := range dev.sent {
		if s.Tag() == 0xFD {
			req = s
		}
	}
	currency, ok := req.FindVal("FD/5F2A")
	if !ok || !bytes.Equal(currency.Value(), []byte{0x08, 0x40}) {
		t.Errorf("currency field = % X, want 08 40", currency.Value())
	}
	amount, ok := req.FindVal("FD/9F02")
	if !ok || !bytes.Equal(amount.Value(), []byte{0x00, 0x00, 0x00, 0x00, 0x19, 0x99}) {
		t.Errorf("amount field = % X, want 00 00 00 00 19 99", amount.Value())
	}
}
