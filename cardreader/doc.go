/*Package cardreader is the host-side driver core for a contact-less
("card-less") EMV card reader communicating over USB-HID.

It presents a high-level device abstraction (get serial number, configure
external display, poll an EMV transaction) over the full internal stack:
hidframe -> envelope -> tlv -> msgchannel -> dispatcher. Device is this
package's entry point; cancel.go carries the shared atomic cancellation
flag used to abort an in-flight poll.

Grounded on card_less_reader/src/device.rs for the Device/PollEmv types and
the optional-capability accessor pattern, and on
uno8_nfc_reader/src/device.rs for the write-then-ACK-then-reply scripted
sequence that dispatcher.Dispatcher now performs with a background worker
instead of inline per-call reads.
*/
package cardreader
