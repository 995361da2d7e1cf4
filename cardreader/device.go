package cardreader

import (
	"fmt"
	"log"
	"time"

	"github.com/nigma143/cardreaders/dispatcher"
	"github.com/nigma143/cardreaders/hidframe"
	"github.com/nigma143/cardreaders/msgchannel"
)

// Default timeouts: 30ms to see a command's ACK, 30ms to enqueue a write,
// 1500ms to see its typed reply. These supersede
// uno8_nfc_reader/src/device.rs's single 150ms ask_timeout default with
// three independently tunable bounds.
const (
	DefaultAckTimeout   = 30 * time.Millisecond
	DefaultWriteTimeout = 30 * time.Millisecond
	DefaultReadTimeout  = 1500 * time.Millisecond
)

// Device is the high-level EMV reader handle. It owns an injected
// message channel via its dispatcher, three user callbacks, and three
// tunable durations.
type Device struct {
	disp      *dispatcher.Dispatcher
	callbacks *dispatcher.Callbacks
	logger    *log.Logger

	ackTimeout   time.Duration
	writeTimeout time.Duration
	readTimeout  time.Duration
}

// New constructs a Device over channel and spawns its background worker:
// the constructor, not a separate Start call, owns the worker's lifecycle.
func New(channel *msgchannel.Channel, logger *log.Logger) *Device {
	callbacks := &dispatcher.Callbacks{}
	return &Device{
		disp:         dispatcher.New(channel, callbacks, logger),
		callbacks:    callbacks,
		logger:       logger,
		ackTimeout:   DefaultAckTimeout,
		writeTimeout: DefaultWriteTimeout,
		readTimeout:  DefaultReadTimeout,
	}
}

// Open opens the HID device at vid/pid and constructs a Device over it.
// HID enumeration failures surface as a wrapped error.
func Open(vid, pid uint16, logger *log.Logger) (*Device, error) {
	transport, err := hidframe.Open(vid, pid, logger)
	if err != nil {
		return nil, fmt.Errorf("cardreader open: %w", err)
	}
	channel := msgchannel.New(transport)
	return New(channel, logger), nil
}

// OpenWithRetry is Open with an exponential backoff on the initial HID
// enumeration, for callers starting up before the reader has attached to
// the bus. It gives up once elapsed exceeds maxElapsed.
func OpenWithRetry(vid, pid uint16, maxElapsed time.Duration, logger *log.Logger) (*Device, error) {
	transport, err := hidframe.OpenWithRetry(vid, pid, maxElapsed, logger)
	if err != nil {
		return nil, fmt.Errorf("cardreader open: %w", err)
	}
	channel := msgchannel.New(transport)
	return New(channel, logger), nil
}

// Close signals the worker to exit and waits for it to do so.
func (d *Device) Close() { d.disp.Stop() }

// SetAckTimeout overrides the per-command ACK wait bound.
func (d *Device) SetAckTimeout(t time.Duration) { d.ackTimeout = t }

// SetWriteTimeout overrides the per-command write-queue wait bound.
func (d *Device) SetWriteTimeout(t time.Duration) { d.writeTimeout = t }

// SetReadTimeout overrides the per-command typed-reply wait bound.
func (d *Device) SetReadTimeout(t time.Duration) { d.readTimeout = t }

// SetExternalDisplayCallback installs the FF01/DF46 notification handler.
func (d *Device) SetExternalDisplayCallback(fn func(text string)) {
	d.callbacks.SetExternalDisplay(fn)
}

// SetInternalLogCallback installs the FF01/DF8154 notification handler.
func (d *Device) SetInternalLogCallback(fn func(text string)) {
	d.callbacks.SetInternalLog(fn)
}

// SetCardRemovalCallback installs the FF01/DF08 notification handler.
func (d *Device) SetCardRemovalCallback(fn func()) {
	d.callbacks.SetCardRemoved(fn)
}

// ExtDisplay returns the device's external-display capability accessor.
// Modeled on card_less_reader/src/device.rs's CardLessDevice::ext_dysplay()
// -> Option<&dyn ExtDisplay>, translated into Go's (T, bool) idiom: display
// mode get/set is always present on this device class, so ok is always
// true today, but callers should check it the way a future capability that
// is sometimes absent would require.
func (d *Device) ExtDisplay() (ExtDisplay, bool) {
	return ExtDisplay{dev: d}, true
}

// writeOp enqueues msg with the dispatcher, bounding the enqueue itself by
// writeTimeout and the subsequent ACK/NACK wait by ackTimeout. Neither wait
// is cancelable; both must succeed or fail quickly.
func (d *Device) writeOp(msg msgchannel.WriteMessage) (*dispatcher.Pending, error) {
	return d.disp.Do(msg, d.writeTimeout, d.ackTimeout)
}
