package cardreader

import (
	"errors"
	"fmt"

	"github.com/nigma143/cardreaders/cderr"
	"github.com/nigma143/cardreaders/dispatcher"
	"github.com/nigma143/cardreaders/msgchannel"
	"github.com/nigma143/cardreaders/tlv"
)

// Tags used by poll_emv.
const (
	tagDisablePollTimeout = 0xDF8212
	tagPollRequest        = 0xFD
	tagStopMacro          = 0xDF7D

	tagPurchaseType     = 0x9C
	tagCurrencyCode     = 0x5F2A
	tagAmount           = 0x9F02
	pathAnnexETerminate = "FF03/F2/DF68"
	pathPollSuccess     = "FF01/FC"
)

// Purchase carries the currency/amount parameters of a card-present
// purchase poll: currency is ISO 4217 numeric, amount is minor units, both
// BCD-encoded on the wire.
type Purchase struct {
	Type         byte
	CurrencyCode uint16
	Amount       uint64
}

// PollResult is PollEMV's outcome: either the poll was canceled, or it
// succeeded and carries the device's result TLV.
type PollResult struct {
	Canceled bool
	TLV      tlv.Tlv
}

// PollEMV arms the device, sends the poll request, and drives the
// Idle -> Arming -> Polling -> (Result | Cancelling -> Drained) -> Idle
// state machine. purchase may be nil for a bare poll. cancel may be nil to
// disable cancellation. Replies while polling are awaited with no timeout;
// only the cancel flag ends that wait.
func (d *Device) PollEMV(purchase *Purchase, cancel *CancelFlag) (PollResult, error) {
	if err := d.arm(); err != nil {
		return PollResult{}, fmt.Errorf("poll_emv: arm: %w", err)
	}

	pending, err := d.requestPoll(purchase)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll_emv: request: %w", err)
	}

	for {
		msg, err := pending.Read(cancel, 0)
		if err != nil {
			if isCanceled(err) {
				pending.Close()
				return d.cancelAndDrain()
			}
			pending.Close()
			return PollResult{}, fmt.Errorf("poll_emv: %w", err)
		}

		result, done, err := interpretPollReply(msg)
		if err != nil {
			pending.Close()
			return PollResult{}, fmt.Errorf("poll_emv: %w", err)
		}
		if done {
			pending.Close()
			return result, nil
		}
		// Neither a terminal AnnexE code nor a success reply: any other
		// AnnexE value means keep polling.
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, cderr.ErrOperationCanceled)
}

// arm disables the device-side poll timeout by sending
// Do(0xDF8212 = U16BE 0) and validating the success reply.
func (d *Device) arm() error {
	t, err := tlv.New(tagDisablePollTimeout, tlv.U16BE(0).Bytes())
	if err != nil {
		return err
	}
	pending, err := d.writeOp(msgchannel.WriteDo(t))
	if err != nil {
		return err
	}
	defer pending.Close()
	reply, err := readTyped(pending, d.readTimeout)
	if err != nil {
		return err
	}
	_, err = validateSuccess(reply)
	return err
}

// requestPoll builds and sends the Do(0xFD, ...) poll command that arms the
// device's card-detect loop.
func (d *Device) requestPoll(purchase *Purchase) (*dispatcher.Pending, error) {
	var body tlv.Tlv
	if purchase != nil {
		typeNode, err := tlv.New(tagPurchaseType, []byte{purchase.Type})
		if err != nil {
			return nil, err
		}
		currencyNode, err := tlv.New(tagCurrencyCode, tlv.NewInt(uint64(purchase.CurrencyCode), 4).Bytes())
		if err != nil {
			return nil, err
		}
		amountNode, err := tlv.New(tagAmount, tlv.NewInt(purchase.Amount, 12).Bytes())
		if err != nil {
			return nil, err
		}
		body, err = tlv.NewConstructed(tagPollRequest, []tlv.Tlv{typeNode, currencyNode, amountNode})
		if err != nil {
			return nil, err
		}
	} else {
		body = tlv.NewEmpty(tagPollRequest)
	}

	pending, err := d.writeOp(msgchannel.WriteDo(body))
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// interpretPollReply classifies one reply received while polling.
func interpretPollReply(msg msgchannel.ReadMessage) (PollResult, bool, error) {
	if msg.Kind != msgchannel.KindDo && msg.Kind != msgchannel.KindGet && msg.Kind != msgchannel.KindSet {
		return PollResult{}, false, fmt.Errorf("unexpected reply kind during poll")
	}
	t := msg.TLV

	if node, ok := t.FindVal(pathAnnexETerminate); ok {
		var code tlv.AnnexE
		if err := code.FromBytes(node.Value()); err == nil {
			if code == tlv.AnnexETerminated {
				return PollResult{Canceled: true}, true, nil
			}
			// Collision, see-phone, use-contact-channel, try-again:
			// continue polling.
			return PollResult{}, false, nil
		}
	}

	if _, ok := t.FindVal(pathPollSuccess); ok {
		return PollResult{TLV: t}, true, nil
	}

	return PollResult{}, false, fmt.Errorf("invalid response TLV during poll: %s", t.String())
}

// cancelAndDrain sends the stop macro, drains its ACK and success reply
// ignoring the original cancel flag (readTyped waits with no cancel flag at
// all), and returns a canceled result.
func (d *Device) cancelAndDrain() (PollResult, error) {
	pending, err := d.writeOp(msgchannel.WriteDo(tlv.NewEmpty(tagStopMacro)))
	if err != nil {
		return PollResult{}, fmt.Errorf("poll_emv: cancel drain: %w", err)
	}
	defer pending.Close()

	reply, err := readTyped(pending, d.readTimeout)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll_emv: cancel drain: %w", err)
	}
	if _, err := validateSuccess(reply); err != nil {
		return PollResult{}, fmt.Errorf("poll_emv: cancel drain: %w", err)
	}
	return PollResult{Canceled: true}, nil
}
