package dispatcher_test

import (
	"testing"
	"time"

	"github.com/nigma143/cardreaders/dispatcher"
	"github.com/nigma143/cardreaders/envelope"
	"github.com/nigma143/cardreaders/hidframe"
	"github.com/nigma143/cardreaders/msgchannel"
	"github.com/nigma143/cardreaders/tlv"
)

// fakeDevice plays the device side of the wire protocol: each outbound
// report is decoded back into an envelope and handed to onWrite, which
// enqueues whatever reply frames the test scenario calls for.
type fakeDevice struct {
	inbox   [][]byte
	onWrite func(env envelope.Envelope)
}

func (f *fakeDevice) Write(b []byte) (int, error) {
	n := int(b[1])
	frame := b[2 : 2+n]
	if env, err := envelope.Decode(frame); err == nil && f.onWrite != nil {
		f.onWrite(env)
	}
	return len(b), nil
}

func (f *fakeDevice) Read(b []byte) (int, error) {
	if len(f.inbox) == 0 {
		return 0, nil
	}
	report := f.inbox[0]
	f.inbox = f.inbox[1:]
	return copy(b, report), nil
}

func (f *fakeDevice) enqueueFrame(frame []byte) {
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

func newTestDispatcher(dev *fakeDevice, callbacks *dispatcher.Callbacks) *dispatcher.Dispatcher {
	transport := hidframe.New(dev, nil)
	channel := msgchannel.New(transport)
	return dispatcher.New(channel, callbacks, nil)
}

func TestDoRoundTripAckThenReply(t *testing.T) {
	dev := &fakeDevice{}
	dev.onWrite = func(env envelope.Envelope) {
		ack, _ := envelope.EncodeAck(env.Opcode)
		dev.enqueueFrame(ack)
		root, _ := tlv.NewConstructed(0xFF01, []tlv.Tlv{tlv.NewEmpty(0xFC)})
		reply, _ := envelope.Encode(env.Opcode, root.ToVec())
		dev.enqueueFrame(reply)
	}

	d := newTestDispatcher(dev, &dispatcher.Callbacks{})
	defer d.Stop()

	pending, err := d.Do(msgchannel.WriteDo(tlv.NewEmpty(0xFD)), 100*time.Millisecond, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer pending.Close()

	msg, err := pending.Read(nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Kind != msgchannel.KindDo {
		t.Errorf("kind = %v, want KindDo", msg.Kind)
	}
	if _, ok := msg.TLV.FindVal("FF01/FC"); !ok {
		t.Errorf("expected reply to contain FF01/FC")
	}
}

func TestDoTimesOutWithoutAck(t *testing.T) {
	dev := &fakeDevice{} // never answers
	d := newTestDispatcher(dev, &dispatcher.Callbacks{})
	defer d.Stop()

	_, err := d.Do(msgchannel.WriteDo(tlv.NewEmpty(0xFD)), 50*time.Millisecond, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
}

func TestNotificationDispatchedNotForwarded(t *testing.T) {
	dev := &fakeDevice{}
	removed := make(chan struct{}, 1)
	callbacks := &dispatcher.Callbacks{}
	callbacks.SetCardRemoved(func() { removed <- struct{}{} })

	d := newTestDispatcher(dev, callbacks)
	defer d.Stop()

	notif, _ := tlv.NewConstructed(0xFF01, []tlv.Tlv{tlv.NewEmpty(0xDF08)})
	frame, _ := envelope.Encode(envelope.OpDo, notif.ToVec())
	dev.enqueueFrame(frame)

	select {
	case <-removed:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected card-removal callback to fire")
	}
}

func TestPollEmvCancellation(t *testing.T) {
	// Smoke-tests cancellation plumbing at the Pending.Read layer: a cancel
	// flag set before Read should return ErrOperationCanceled promptly,
	// without requiring a reply ever to arrive.
	dev := &fakeDevice{}
	dev.onWrite = func(env envelope.Envelope) {
		ack, _ := envelope.EncodeAck(env.Opcode)
		dev.enqueueFrame(ack)
		// deliberately never reply, to force the cancellation path
	}
	d := newTestDispatcher(dev, &dispatcher.Callbacks{})
	defer d.Stop()

	pending, err := d.Do(msgchannel.WriteDo(tlv.NewEmpty(0xFD)), 100*time.Millisecond, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer pending.Close()

	cancel := dispatcher.NewCancelFlag()
	cancel.Cancel()
	_, err = pending.Read(cancel, time.Second)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}
