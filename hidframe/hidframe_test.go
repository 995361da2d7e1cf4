package hidframe_test

import (
	"bytes"
	"testing"

	"github.com/nigma143/cardreaders/hidframe"
)

// fakeDevice is a minimal hidframe.RawDevice fake: Write records every
// 65-byte report sent, Read dequeues pre-seeded 64-byte reports.
type fakeDevice struct {
	writes [][]byte
	inbox  [][]byte
}

func (f *fakeDevice) Write(b []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), b...))
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

func TestWriteChunksLongFrames(t *testing.T) {
	dev := &fakeDevice{}
	transport := hidframe.New(dev, nil)

	frame := bytes.Repeat([]byte{0xAB}, 150) // 3 chunks: 63 + 63 + 24
	if err := transport.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(dev.writes) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(dev.writes))
	}
	if dev.writes[2][1] != 24 {
		t.Errorf("final chunk length byte = %d, want 24", dev.writes[2][1])
	}
	var reassembled []byte
	for _, report := range dev.writes {
		n := int(report[1])
		reassembled = append(reassembled, report[2:2+n]...)
	}
	if !bytes.Equal(reassembled, frame) {
		t.Errorf("reassembled frame does not match original")
	}
}

func TestWriteSingleShortFrame(t *testing.T) {
	dev := &fakeDevice{}
	transport := hidframe.New(dev, nil)

	frame := []byte{0x02, 0x07, 0x00, 0x3E, 0x00, 0x00, 0x3F, 0x03}
	if err := transport.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(dev.writes) != 1 {
		t.Fatalf("expected 1 report, got %d", len(dev.writes))
	}
	report := dev.writes[0]
	if len(report) != 65 {
		t.Fatalf("report length = %d, want 65", len(report))
	}
	if report[1] != byte(len(frame)) {
		t.Errorf("length byte = %d, want %d", report[1], len(frame))
	}
}

func TestReadReturnsPayloadBytes(t *testing.T) {
	dev := &fakeDevice{}
	report := make([]byte, 64)
	report[0] = 3
	copy(report[1:], []byte{0x11, 0x22, 0x33})
	dev.inbox = append(dev.inbox, report)

	transport := hidframe.New(dev, nil)
	got, err := transport.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte{0x11, 0x22, 0x33}) {
		t.Errorf("got % X, want 11 22 33", got)
	}
}

func TestReadNoDataAvailable(t *testing.T) {
	dev := &fakeDevice{}
	transport := hidframe.New(dev, nil)

	got, err := transport.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil payload when no data is available, got % X", got)
	}
}
