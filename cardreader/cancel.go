package cardreader

import "github.com/nigma143/cardreaders/dispatcher"

// CancelFlag is the shared atomic cancellation signal a caller passes into
// PollEMV: an atomic boolean rather than a context/token reference, so it
// has no cross-thread reference lifetime to manage. It lives in package
// dispatcher since both the dispatcher's Pending.Read and the poll loop
// here need to observe it.
type CancelFlag = dispatcher.CancelFlag

// NewCancelFlag returns a fresh, uncancelled flag.
func NewCancelFlag() *CancelFlag { return dispatcher.NewCancelFlag() }
