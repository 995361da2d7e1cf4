/*Package usbwatch polls for USB attach/detach presence of a vid/pid pair,
complementing cardreader.Open with a way to notice the device arriving or
disappearing between polls.

Grounded on usbtmc.NewUSBDevice's gousb.NewContext/OpenDeviceWithVIDPID
pattern; repurposed here from "open a bulk-transfer endpoint" to "probe
whether the device is currently enumerable" since HID devices, unlike USBTMC
ones, are opened through karalabe/hid rather than gousb -- gousb's role in
this repository is presence detection only.
*/
package usbwatch

import (
	"context"
	"log"
	"time"

	"github.com/google/gousb"
)

// Watcher polls a vid/pid pair on an interval and reports transitions.
type Watcher struct {
	ctx      *gousb.Context
	vid, pid uint16
	interval time.Duration
	logger   *log.Logger
}

// New constructs a Watcher. Close must be called to release the underlying
// gousb context.
func New(vid, pid uint16, interval time.Duration, logger *log.Logger) *Watcher {
	return &Watcher{
		ctx:      gousb.NewContext(),
		vid:      vid,
		pid:      pid,
		interval: interval,
		logger:   logger,
	}
}

// Close releases the gousb context.
func (w *Watcher) Close() error { return w.ctx.Close() }

// Present reports whether the watched vid/pid currently enumerates.
func (w *Watcher) Present() bool {
	dev, err := w.ctx.OpenDeviceWithVIDPID(gousb.ID(w.vid), gousb.ID(w.pid))
	if err != nil || dev == nil {
		return false
	}
	dev.Close()
	return true
}

// Run polls Present every interval until ctx is canceled. It invokes
// onChange once at start with the initial presence state, then once per
// attach/detach transition (not on every poll).
func (w *Watcher) Run(ctx context.Context, onChange func(present bool)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last := w.Present()
	onChange(last)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := w.Present()
			if cur != last {
				last = cur
				onChange(cur)
				if w.logger != nil {
					w.logger.Printf("usbwatch: vid=%#04x pid=%#04x present=%v", w.vid, w.pid, cur)
				}
			}
		}
	}
}
