package hidframe

import (
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/karalabe/hid"
	"github.com/lordadamson/cgo.wchar"

	"github.com/nigma143/cardreaders/cderr"
)

// Open enumerates and opens the first HID device matching vid/pid. HID
// enumeration/open is an external collaborator outside the driver core;
// everything downstream of the returned Transport is this repository's own
// code.
func Open(vid, pid uint16, logger *log.Logger) (*Transport, error) {
	infos, err := hid.Enumerate(vid, pid)
	if err != nil {
		return nil, cderr.Wrap("hid enumerate", err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("hid open: no device matching vid=0x%04X pid=0x%04X", vid, pid)
	}
	dev, err := infos[0].Open()
	if err != nil {
		return nil, cderr.Wrap("hid open", err)
	}
	if logger != nil {
		logger.Printf("opened hid device: %s", DescribeDevice(infos[0]))
	}
	return New(dev, logger), nil
}

// OpenWithRetry calls Open repeatedly with an exponential backoff, for
// callers that start before the reader has enumerated on the bus yet (e.g.
// a long-running service racing its own startup against udev/driver
// attachment). It gives up once elapsed exceeds maxElapsed.
func OpenWithRetry(vid, pid uint16, maxElapsed time.Duration, logger *log.Logger) (*Transport, error) {
	var transport *Transport
	op := func() error {
		t, err := Open(vid, pid, logger)
		if err != nil {
			if logger != nil {
				logger.Printf("hid open retry: %v", err)
			}
			return err
		}
		transport = t
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		return nil, err
	}
	return transport, nil
}

// DescribeDevice renders a DeviceInfo's manufacturer/product strings for
// diagnostic log lines. On platforms where the underlying hidapi cgo layer
// surfaces these as wchar_t* (Windows), github.com/karalabe/hid already
// converts them to Go strings internally. DescribeDevice round-trips those
// Go strings through cgo.wchar.FromGoString/GoString, keeping the original
// string when either step fails; it accepts only a hid.DeviceInfo, not a
// raw wide-character buffer.
func DescribeDevice(info hid.DeviceInfo) string {
	manufacturer := info.Manufacturer
	if w, err := wchar.FromGoString(manufacturer); err == nil {
		if s, err := w.GoString(); err == nil {
			manufacturer = s
		}
	}
	product := info.Product
	if w, err := wchar.FromGoString(product); err == nil {
		if s, err := w.GoString(); err == nil {
			product = s
		}
	}
	return fmt.Sprintf("%s %s (vid=0x%04X pid=0x%04X serial=%s path=%s)",
		manufacturer, product, info.VendorID, info.ProductID, info.Serial, info.Path)
}
