package cardreader

import (
	"time"

	"github.com/nigma143/cardreaders/cderr"
	"github.com/nigma143/cardreaders/dispatcher"
	"github.com/nigma143/cardreaders/msgchannel"
	"github.com/nigma143/cardreaders/tlv"
)

// Reply root tags.
const (
	rootSuccess     uint32 = 0xFF01
	rootUnsupported uint32 = 0xFF02
	rootFailed      uint32 = 0xFF03
)

// validateSuccess applies the reply root-tag policy to a typed reply:
// 0xFF01 is success and is returned as-is; 0xFF02/0xFF03 are errors
// carrying the offending TLV; anything else is a generic semantic error.
func validateSuccess(t tlv.Tlv) (tlv.Tlv, error) {
	switch t.Tag() {
	case rootSuccess:
		return t, nil
	case rootUnsupported:
		return tlv.Tlv{}, &cderr.SemanticError{Reason: "unsupported instruction", TLV: t}
	case rootFailed:
		return tlv.Tlv{}, &cderr.SemanticError{Reason: "failed instruction", TLV: t}
	default:
		return tlv.Tlv{}, &cderr.SemanticError{Reason: "expected ResponseTemplates tag", TLV: t}
	}
}

// readTyped waits for the next typed (Do/Get/Set) reply from pending,
// rejecting Ask/Nack which must not appear after a request's ACK has
// already been consumed (uno8_nfc_reader/src/device.rs's read(): "returned
// Ack/Nack message not expected").
func readTyped(pending *dispatcher.Pending, timeout time.Duration) (tlv.Tlv, error) {
	msg, err := pending.Read(nil, timeout)
	if err != nil {
		return tlv.Tlv{}, err
	}
	switch msg.Kind {
	case msgchannel.KindDo, msgchannel.KindGet, msgchannel.KindSet:
		return msg.TLV, nil
	case msgchannel.KindNack:
		return tlv.Tlv{}, &cderr.NackError{Code: msg.NackCode}
	default:
		return tlv.Tlv{}, cderr.ErrUnexpectedReply
	}
}
