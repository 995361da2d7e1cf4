/*Package dispatcher implements the I/O dispatcher: a single background
worker goroutine owning a msgchannel.Channel, multiplexing application
requests against unsolicited notifications.

The awaiter-and-reply-queue shape is grounded on
undefine_nfc_reader/src/tlv_handler.rs's TlvHandler: a background thread
loops on tlv_channel.read(), resolving a pending ack_awaiter on Ack/Nack and
matching a Tlv against registered awaiters otherwise. This repackages that
shape into idiomatic Go (one goroutine, Go channels instead of Rust mpsc,
request serialization enforced by only accepting a new request when none is
outstanding) and adds the notification-callback fan-out
(FF01/DF46/DF8154/DF08) that tlv_handler.rs's draft never implemented.

The idle-poll loop mirrors github.jpl.nasa.gov/bdube/golab/cmd/lowfssrv's
channel-driven Loop(): a for{} selecting over an inbound channel and acting
on the result, generalized here from a single command string switch into
the full request/notify/reply-queue multiplexer.
*/
package dispatcher

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snksoft/crc"
	"golang.org/x/time/rate"

	"github.com/nigma143/cardreaders/cderr"
	"github.com/nigma143/cardreaders/msgchannel"
	"github.com/nigma143/cardreaders/tlv"
)

// idlePollInterval bounds how often the worker re-checks the request and
// inbound queues when neither had work: sleep briefly, about 1ms, to avoid
// a busy spin.
const idlePollInterval = time.Millisecond

var traceCRCTable = crc.NewTable(crc.CCITT)

// Notification paths dispatched to a registered callback instead of being
// forwarded as a reply.
const (
	pathExternalDisplay = "FF01/DF46"
	pathInternalLog     = "FF01/DF8154"
	pathCardRemoval     = "FF01/DF08"
)

// Callbacks holds the three nullable notification handlers, mutex-protected
// so the Set* methods can be called from any application thread while the
// worker invokes them. Callback invocations hold no other locks.
type Callbacks struct {
	mu                sync.Mutex
	onExternalDisplay func(string)
	onInternalLog     func(string)
	onCardRemoved     func()
}

// SetExternalDisplay installs (or clears, with nil) the external-display
// notification callback.
func (c *Callbacks) SetExternalDisplay(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExternalDisplay = fn
}

// SetInternalLog installs (or clears) the internal-log notification
// callback.
func (c *Callbacks) SetInternalLog(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInternalLog = fn
}

// SetCardRemoved installs (or clears) the card-removal notification
// callback.
func (c *Callbacks) SetCardRemoved(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCardRemoved = fn
}

func (c *Callbacks) snapshot() (func(string), func(string), func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onExternalDisplay, c.onInternalLog, c.onCardRemoved
}

// request is one application-side write, queued to the worker.
type request struct {
	msg     msgchannel.WriteMessage
	ackCh   chan error
	replyCh chan replyOrErr
	closed  int32
}

func (r *request) close() { atomic.StoreInt32(&r.closed, 1) }
func (r *request) isClosed() bool { return atomic.LoadInt32(&r.closed) == 1 }

type replyOrErr struct {
	msg msgchannel.ReadMessage
	err error
}

// Pending represents one in-flight command's post-ACK reply stream. A
// single-reply operation (get_serial_number, set_ext_display_mode) calls
// Read once then Close; poll_emv calls Read repeatedly (a macro that
// replies zero or more times before a terminal reply) then Close.
type Pending struct {
	req *request
}

// Read waits for the next typed reply, honoring timeout and an optional
// cancel flag (nil disables cancellation; a timeout of zero or less
// disables the deadline). Cancellation is checked whenever the wait would
// otherwise block on a reply.
func (p *Pending) Read(cancel *CancelFlag, timeout time.Duration) (msgchannel.ReadMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case re := <-p.req.replyCh:
			return re.msg, re.err
		default:
		}
		if cancel != nil && cancel.Canceled() {
			return msgchannel.ReadMessage{}, cderr.ErrOperationCanceled
		}
		if timeout > 0 && time.Now().After(deadline) {
			return msgchannel.ReadMessage{}, cderr.NewTimeout("read")
		}
		time.Sleep(idlePollInterval)
	}
}

// Close releases the dispatcher to accept its next request. Must be called
// exactly once per Pending.
func (p *Pending) Close() { p.req.close() }

// CancelFlag is the shared atomic cancellation signal, passed by the
// caller into a cancellable operation (currently only poll_emv). It is a
// plain atomic boolean rather than a context/token reference, avoiding
// cross-thread reference lifetimes.
type CancelFlag struct {
	flag int32
}

// NewCancelFlag returns a fresh, uncancelled flag.
func NewCancelFlag() *CancelFlag { return &CancelFlag{} }

// Cancel sets the flag. Safe to call from any goroutine.
func (c *CancelFlag) Cancel() { atomic.StoreInt32(&c.flag, 1) }

// Canceled reports whether Cancel has been called.
func (c *CancelFlag) Canceled() bool { return atomic.LoadInt32(&c.flag) == 1 }

// Dispatcher is the background I/O worker.
type Dispatcher struct {
	channel   *msgchannel.Channel
	logger    *log.Logger
	callbacks *Callbacks
	limiter   *rate.Limiter

	requests chan *request
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Dispatcher and spawns its worker goroutine. The
// dispatcher owns channel exclusively from this point on; application
// threads must never touch it directly.
func New(channel *msgchannel.Channel, callbacks *Callbacks, logger *log.Logger) *Dispatcher {
	d := &Dispatcher{
		channel:   channel,
		logger:    logger,
		callbacks: callbacks,
		limiter:   rate.NewLimiter(rate.Every(idlePollInterval), 1),
		requests:  make(chan *request, 1),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Do queues message for the worker, bounding the enqueue itself by
// writeTimeout (the device protocol is half-duplex: a still-outstanding
// prior command makes the worker refuse new requests until it is drained),
// then waits up to ackTimeout for the write's Ack/Nack. Writes and ACK waits
// are not cancelable -- they are bounded by write_timeout and ack_timeout
// and must succeed or fail quickly. On success it returns a Pending the
// caller reads typed replies from.
func (d *Dispatcher) Do(msg msgchannel.WriteMessage, writeTimeout, ackTimeout time.Duration) (*Pending, error) {
	req := &request{
		msg:     msg,
		ackCh:   make(chan error, 1),
		replyCh: make(chan replyOrErr, 16),
	}

	select {
	case d.requests <- req:
	case <-time.After(writeTimeout):
		return nil, cderr.NewTimeout("write")
	case <-d.stopped:
		return nil, cderr.ErrWorkerStopped
	}

	select {
	case err := <-req.ackCh:
		if err != nil {
			return nil, err
		}
		return &Pending{req: req}, nil
	case <-time.After(ackTimeout):
		return nil, cderr.NewTimeout("ack")
	case <-d.stopped:
		return nil, cderr.ErrWorkerStopped
	}
}

// Stop signals the worker to exit and waits for it to do so.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.stopped
}

func (d *Dispatcher) tracef(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)

	var current *request
	awaitingAck := false

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		if current != nil && current.isClosed() {
			current = nil
		}

		didWork := false

		if current == nil {
			select {
			case req := <-d.requests:
				tag := traceCRCTable.CalculateCRC(req.msg.TLV.ToVec())
				if err := d.channel.Write(req.msg); err != nil {
					d.tracef("dispatcher: write failed (corr=%04X): %v", tag, err)
					req.ackCh <- err
				} else {
					d.tracef("dispatcher: wrote op=%v corr=%04X, awaiting ack", req.msg.Op, tag)
					current = req
					awaitingAck = true
				}
				didWork = true
			default:
			}
		}

		msg, ok, err := d.channel.TryRead()
		if err != nil {
			d.tracef("dispatcher: read error: %v", err)
			if current != nil {
				if awaitingAck {
					current.ackCh <- err
					current = nil
					awaitingAck = false
				} else {
					select {
					case current.replyCh <- replyOrErr{err: err}:
					default:
					}
				}
			}
			didWork = true
		} else if ok {
			didWork = true
			d.handleMessage(msg, &current, &awaitingAck)
			if current == nil && !awaitingAck {
				// handleMessage may have terminated the worker on a
				// structural violation; check stop again promptly.
				select {
				case <-d.stop:
					return
				default:
				}
			}
		}

		if !didWork {
			_ = d.limiter.WaitN(context.Background(), 1)
		}
	}
}

// handleMessage classifies one decoded inbound message: Ask/Nack resolve
// the pending ack awaiter, or terminate the worker if none is pending --
// a duplicate ACK with no pending awaiter is treated as a protocol
// violation; an unsolicited Do whose tree matches a
// notification path dispatches to its callback and is discarded; everything
// else is forwarded to the current requester's reply queue.
func (d *Dispatcher) handleMessage(msg msgchannel.ReadMessage, current **request, awaitingAck *bool) {
	switch msg.Kind {
	case msgchannel.KindAsk:
		if *current != nil && *awaitingAck {
			(*current).ackCh <- nil
			*awaitingAck = false
			return
		}
		d.violateProtocol(cderr.ErrAckWithoutAwaiter)
	case msgchannel.KindNack:
		if *current != nil && *awaitingAck {
			(*current).ackCh <- &cderr.NackError{Code: msg.NackCode}
			*current = nil
			*awaitingAck = false
			return
		}
		d.violateProtocol(cderr.ErrAckWithoutAwaiter)
	case msgchannel.KindDo:
		if path, ok := matchNotification(msg.TLV); ok {
			d.dispatchNotification(path, msg.TLV)
			return
		}
		d.forwardReply(*current, msg)
	case msgchannel.KindGet, msgchannel.KindSet:
		d.forwardReply(*current, msg)
	}
}

func (d *Dispatcher) forwardReply(current *request, msg msgchannel.ReadMessage) {
	if current == nil {
		d.tracef("dispatcher: dropping reply with no pending requester: %v", msg.Kind)
		return
	}
	select {
	case current.replyCh <- replyOrErr{msg: msg}:
	default:
		d.tracef("dispatcher: reply queue full, dropping reply")
	}
}

func matchNotification(t tlv.Tlv) (string, bool) {
	if _, ok := t.FindVal(pathExternalDisplay); ok {
		return pathExternalDisplay, true
	}
	if _, ok := t.FindVal(pathInternalLog); ok {
		return pathInternalLog, true
	}
	if _, ok := t.FindVal(pathCardRemoval); ok {
		return pathCardRemoval, true
	}
	return "", false
}

func (d *Dispatcher) dispatchNotification(path string, t tlv.Tlv) {
	onDisplay, onLog, onRemoved := d.callbacks.snapshot()
	node, _ := t.FindVal(path)
	switch path {
	case pathExternalDisplay:
		if onDisplay != nil {
			var s tlv.AsciiString
			_ = s.FromBytes(node.Value())
			onDisplay(string(s))
		}
	case pathInternalLog:
		if onLog != nil {
			var s tlv.AsciiString
			_ = s.FromBytes(node.Value())
			onLog(string(s))
		}
	case pathCardRemoval:
		if onRemoved != nil {
			onRemoved()
		}
	}
}

// violateProtocol logs and stops the worker on a structural protocol
// violation -- fatal to the worker, since the wire state is no longer
// trustworthy.
func (d *Dispatcher) violateProtocol(err error) {
	d.tracef("dispatcher: protocol violation, stopping worker: %v", err)
	d.stopOnce.Do(func() { close(d.stop) })
}
