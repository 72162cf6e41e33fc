package message

import "sync"

// Conn is one end of the control channel between parent and worker: a
// reliable, ordered, typed bidirectional stream. Stream attachments ride
// along inside HTTPInit. Sends are safe from multiple goroutines, but
// Close must not race in-flight sends.
type Conn struct {
	in  chan Message
	out chan Message

	closeOnce sync.Once
}

// Pipe creates a connected parent/worker pair of Conns
func Pipe() (parent, worker *Conn) {
	a := make(chan Message)
	b := make(chan Message)
	parent = &Conn{in: a, out: b}
	worker = &Conn{in: b, out: a}
	return parent, worker
}

// In returns the receive channel. It is closed when the peer closes its end.
func (c *Conn) In() <-chan Message {
	return c.in
}

// Out returns the send channel, for use in select statements
func (c *Conn) Out() chan<- Message {
	return c.out
}

// Send blocks until the peer receives m
func (c *Conn) Send(m Message) {
	c.out <- m
}

// Recv blocks for the next message. ok is false once the peer has closed.
func (c *Conn) Recv() (m Message, ok bool) {
	m, ok = <-c.in
	return m, ok
}

// Close shuts down this end's outgoing direction; the peer's In channel is
// closed. Receiving remains possible until the peer closes too.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.out)
	})
	return nil
}
