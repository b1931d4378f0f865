// Package transport moves clock values between machines over TCP.
//
// Each machine owns one Listener bound to a port derived from its identity
// (base port + id). The listener accepts inbound connections from peers into
// a fixed table of slots and runs one reader per connection. Readers decode
// frames with package wire and push every value into the machine's mailbox.
// Mailbox.Enqueue blocks when the mailbox is full, which stalls the reader,
// which in turn lets TCP flow control stall the remote sender. That chain is
// the system's backpressure.
//
// Outbound traffic uses Peer, one long-lived connection per directed pair,
// established with Dial. Dial retries with randomized exponential backoff
// because the remote listener may not be up yet.
//
// # Failure scope
//
//   - Bind failures and exhausted dial retries are setup failures (*SetupError).
//   - A clean disconnect frees the slot and closes the connection; there is
//     no reconnect.
//   - Read errors and malformed frames close that connection only.
//   - A failed send marks the Peer down; later sends return ErrPeerDown.
package transport
