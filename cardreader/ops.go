package cardreader

import (
	"fmt"

	"github.com/nigma143/cardreaders/msgchannel"
	"github.com/nigma143/cardreaders/tlv"
)

// Tags used by the operations in this file.
const (
	tagSerialNumber = 0xDF4D
	tagExtDisplay   = 0xDF46
)

// GetSerialNumber writes Get(0xDF4D, Empty), validates the success reply,
// and extracts FF01/DF4D as a SerialNumber.
func (d *Device) GetSerialNumber() (string, error) {
	pending, err := d.writeOp(msgchannel.WriteGet(tlv.NewEmpty(tagSerialNumber)))
	if err != nil {
		return "", fmt.Errorf("get_serial_number: %w", err)
	}
	defer pending.Close()

	reply, err := readTyped(pending, d.readTimeout)
	if err != nil {
		return "", fmt.Errorf("get_serial_number: %w", err)
	}
	success, err := validateSuccess(reply)
	if err != nil {
		return "", fmt.Errorf("get_serial_number: %w", err)
	}
	var sn tlv.SerialNumber
	found, err := tlv.GetVal(success, "FF01/DF4D", &sn)
	if err != nil {
		return "", fmt.Errorf("get_serial_number: %w", err)
	}
	if !found {
		return "", fmt.Errorf("get_serial_number: FF01/DF4D not present in reply")
	}
	return sn.String(), nil
}

// ExtDisplay is the external-display capability accessor returned by
// Device.ExtDisplay().
type ExtDisplay struct {
	dev *Device
}

// GetMode writes Get(0xDF46, Empty), validates the success reply, and
// extracts FF01/DF46 as an ExtDisplayMode.
func (e ExtDisplay) GetMode() (tlv.ExtDisplayMode, error) {
	d := e.dev
	pending, err := d.writeOp(msgchannel.WriteGet(tlv.NewEmpty(tagExtDisplay)))
	if err != nil {
		return 0, fmt.Errorf("get_ext_display_mode: %w", err)
	}
	defer pending.Close()

	reply, err := readTyped(pending, d.readTimeout)
	if err != nil {
		return 0, fmt.Errorf("get_ext_display_mode: %w", err)
	}
	success, err := validateSuccess(reply)
	if err != nil {
		return 0, fmt.Errorf("get_ext_display_mode: %w", err)
	}
	var mode tlv.ExtDisplayMode
	found, err := tlv.GetVal(success, "FF01/DF46", &mode)
	if err != nil {
		return 0, fmt.Errorf("get_ext_display_mode: %w", err)
	}
	if !found {
		return 0, fmt.Errorf("get_ext_display_mode: FF01/DF46 not present in reply")
	}
	return mode, nil
}

// SetMode writes Set(0xDF46, mode). It reads the reply without validating
// its root tag -- preserved until device documentation confirms the
// expected tag, matching uno8_nfc_reader/src/device.rs's plain read()
// rather than a root-tag-validating read_success().
func (e ExtDisplay) SetMode(mode tlv.ExtDisplayMode) error {
	d := e.dev
	t, err := tlv.New(tagExtDisplay, mode.Bytes())
	if err != nil {
		return fmt.Errorf("set_ext_display_mode: %w", err)
	}
	pending, err := d.writeOp(msgchannel.WriteSet(t))
	if err != nil {
		return fmt.Errorf("set_ext_display_mode: %w", err)
	}
	defer pending.Close()

	if _, err := readTyped(pending, d.readTimeout); err != nil {
		return fmt.Errorf("set_ext_display_mode: %w", err)
	}
	return nil
}
