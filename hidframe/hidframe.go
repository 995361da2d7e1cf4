/*Package hidframe implements the byte-frame transport: chunking an
arbitrary byte payload into fixed 65-byte host-to-device HID reports and
reassembling fixed 64-byte device-to-host reports back into a payload.

It is a direct generalisation of uno8_nfc_reader/src/hid_message_channel.rs's
write_frame_less/read_frame_less free functions (there tied to a single
hidapi HidDevice) into a transport that wraps any RawDevice, the same
seam github.jpl.nasa.gov/bdube/golab/usbtmc.USBDevice draws around gousb's
endpoints for its own Read/Write methods.

The concrete RawDevice in this repository is github.com/karalabe/hid's
Device, opened via Open (external "HID enumeration/open"
collaborator). Only open.go imports karalabe/hid; Transport depends on the
RawDevice interface alone, so it stays testable against a fake.
*/
package hidframe

import (
	"log"

	"github.com/nigma143/cardreaders/cderr"
)

// chunkSize is the maximum payload bytes per outbound report (65 total
// bytes: 1 report-id + 1 length + up to 63 payload bytes).
const chunkSize = 63

// RawDevice is the blocking/non-blocking byte-channel contract this
// transport requires of its underlying HID endpoint, matching hidapi's
// Write/Read shape (and thus github.com/karalabe/hid's Device interface)
// without depending on that package's types.
type RawDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
}

// Transport chunks/reassembles HID reports over a RawDevice.
type Transport struct {
	dev RawDevice
	log *log.Logger
}

// New wraps dev in a Transport. If logger is nil, frame tracing is
// disabled (hid_message_channel.rs always logs; this repo makes it
// optional so tests and production runs can both use the same type).
func New(dev RawDevice, logger *log.Logger) *Transport {
	return &Transport{dev: dev, log: logger}
}

func (t *Transport) tracef(format string, args ...interface{}) {
	if t.log != nil {
		t.log.Printf(format, args...)
	}
}

// Write splits frame into 63-byte chunks and sends each as a 65-byte host
// report [0x00, len, ...chunk..., zero-padded]. The final chunk uses its
// actual length; there is no explicit terminator, matching
// write_frame_less's length-based continuation semantics.
func (t *Transport) Write(frame []byte) error {
	if len(frame) == 0 {
		frame = []byte{}
	}
	chunks := chunkBytes(frame, chunkSize)
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	for _, chunk := range chunks {
		report := make([]byte, 65)
		report[0] = 0x00
		report[1] = byte(len(chunk))
		copy(report[2:], chunk)

		t.tracef("write: % X", report)

		n, err := t.dev.Write(report)
		if err != nil {
			return cderr.Wrap("hidframe write", err)
		}
		if n != len(report) {
			return cderr.Wrap("hidframe write", cderr.ErrShortWrite)
		}
	}
	return nil
}

// Read pulls one 64-byte device report and returns its payload bytes
// (buf[1:1+L] where L = buf[0]). An empty return with a nil
// error means "no data available" on a non-blocking device; callers above
// (package envelope/msgchannel) must tolerate this by polling.
func (t *Transport) Read() ([]byte, error) {
	buf := make([]byte, 64)
	n, err := t.dev.Read(buf)
	if err != nil {
		return nil, cderr.Wrap("hidframe read", err)
	}
	if n == 0 {
		return nil, nil
	}
	mLen := int(buf[0])
	if mLen > n-1 {
		mLen = n - 1
	}
	t.tracef("read: % X", buf[:n])
	return append([]byte(nil), buf[1:1+mLen]...), nil
}

// chunkBytes splits b into slices of at most size bytes each (Go's
// slices.Chunk-style helper, not present before Go 1.23, kept local so the
// module targets go 1.21 as golaborate's own go.mod lineage does).
func chunkBytes(b []byte, size int) [][]byte {
	if len(b) == 0 {
		return nil
	}
	var out [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
