package hub

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/riftwave/adchub/adc"
)

const readChunkSize = 64

// connHost is the narrow slice of Manager a Conn calls back into: one
// line at a time, and on failure (possibly more than once per connection).
type connHost interface {
	handleLine(c *Conn, line string)
	failed(c *Conn, reason Reason, info string)
}

// Conn is the per-connection socket adapter: a buffered reader that
// extracts `\n`-terminated command lines (or forwards raw bytes while in
// DATA mode), and a buffered, reference-counted writer with overflow and
// write-timeout bookkeeping. It owns no roster state of its own.
type Conn struct {
	raw    net.Conn
	host   connHost
	conf   *Config
	server ServerInfo

	sid adc.SID

	mu            sync.Mutex
	queue         []*adc.Buffer
	queuedBytes   int
	overflowSince time.Time
	discAt        time.Time
	writeSince    time.Time
	closed        bool
	writeSignal   chan struct{}

	inBuf []byte

	dataMode      bool
	dataRemaining int
	dataConsumer  func([]byte)
}

// NewConn wraps an accepted net.Conn and starts its writer goroutine. The
// caller must call Serve to start the read loop.
func NewConn(raw net.Conn, sid adc.SID, server ServerInfo, conf *Config, host connHost) *Conn {
	c := &Conn{
		raw:         raw,
		host:        host,
		conf:        conf,
		server:      server,
		sid:         sid,
		writeSignal: make(chan struct{}, 1),
	}
	go c.writeLoop()
	return c
}

// SID is the entity id this connection was accepted under.
func (c *Conn) SID() adc.SID { return c.sid }

// RemoteAddr is the peer address of the underlying socket.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// IsV6 reports whether the local side of the connection is on the IPv6
// family: true iff the address is not a v4 address and not a v4-mapped
// v6 address.
func (c *Conn) IsV6() bool {
	host, _, err := net.SplitHostPort(c.raw.LocalAddr().String())
	if err != nil {
		host = c.raw.LocalAddr().String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.To4() != nil {
		return false
	}
	return true
}

// PeerIP returns the remote IP address as a string, stripped of port.
func (c *Conn) PeerIP() string {
	host, _, err := net.SplitHostPort(c.raw.RemoteAddr().String())
	if err != nil {
		return c.raw.RemoteAddr().String()
	}
	return host
}

// HBRIParams builds the peer-address-family ADC parameters for an HBRI
// offer: if this connection is v4, it offers the hub's v6 address/port
// (and vice versa). Reports false if the opposite family is not
// configured on this server.
func (c *Conn) HBRIParams(cmd *adc.Command) bool {
	if !c.IsV6() {
		if c.server.HubAddress6 == "" {
			return false
		}
		cmd.AddParam("I6", c.server.HubAddress6)
		cmd.AddParam("P6", adc.Itoa(c.server.Port))
	} else {
		if c.server.HubAddress4 == "" {
			return false
		}
		cmd.AddParam("I4", c.server.HubAddress4)
		cmd.AddParam("P4", adc.Itoa(c.server.Port))
	}
	return true
}

// QueuedBytes returns the number of bytes currently queued for write.
func (c *Conn) QueuedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuedBytes
}

// Overflow returns the time the out-queue first exceeded the configured
// cap, or the zero time if it is not currently overflowing.
func (c *Conn) Overflow() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflowSince
}

// Enqueue appends buf to the out-queue, honoring max_buffer_size and the
// overflow grace period. Low-priority sends are silently dropped once
// the cap is exceeded rather than tripping the overflow timer.
func (c *Conn) Enqueue(buf *adc.Buffer, lowPrio bool) {
	c.mu.Lock()
	if c.closed || !c.discAt.IsZero() {
		c.mu.Unlock()
		return
	}
	max := c.conf.MaxBufferSize
	if max > 0 && c.queuedBytes+buf.Len() > max {
		if lowPrio {
			c.mu.Unlock()
			return
		}
		if !c.overflowSince.IsZero() && time.Now().After(c.overflowSince.Add(c.conf.OverflowTimeout)) {
			c.mu.Unlock()
			c.Disconnect(ReasonWriteOverflow, "write buffer overflow")
			return
		}
		if c.overflowSince.IsZero() {
			c.overflowSince = time.Now()
		}
	}
	c.queue = append(c.queue, buf)
	c.queuedBytes += buf.Len()
	c.mu.Unlock()
	c.signalWriter()
}

func (c *Conn) signalWriter() {
	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

// writeLoop serializes all writes to raw in FIFO order, draining the
// queue as it grows and performing the final shutdown once a disconnect
// has been requested and the queue empties.
func (c *Conn) writeLoop() {
	for range c.writeSignal {
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				shuttingDown := !c.discAt.IsZero()
				closed := c.closed
				c.mu.Unlock()
				if shuttingDown && !closed {
					c.shutdown()
				}
				break
			}
			bufs := make([]*adc.Buffer, len(c.queue))
			copy(bufs, c.queue)
			c.writeSince = time.Now()
			c.mu.Unlock()

			n, err := c.writeAll(bufs)

			c.mu.Lock()
			c.writeSince = time.Time{}
			if err != nil {
				c.mu.Unlock()
				c.host.failed(c, ReasonSocketError, err.Error())
				return
			}
			c.trimQueue(n)
			if c.conf.MaxBufferSize <= 0 || c.queuedBytes < c.conf.MaxBufferSize {
				c.overflowSince = time.Time{}
			}
			c.mu.Unlock()
		}
	}
}

// writeAll writes every queued buffer's bytes to the socket in order, one
// Write call per buffer (more if a write is short), returning the total
// bytes written.
func (c *Conn) writeAll(bufs []*adc.Buffer) (int, error) {
	total := 0
	for _, b := range bufs {
		data := b.Bytes()
		for len(data) > 0 {
			n, err := c.raw.Write(data)
			total += n
			if err != nil {
				return total, err
			}
			data = data[n:]
		}
	}
	return total, nil
}

// trimQueue removes n written bytes from the head of the queue, never
// mutating a shared Buffer in place: a partially-written buffer is
// replaced with a fresh, shorter one covering its remainder.
func (c *Conn) trimQueue(n int) {
	for n > 0 && len(c.queue) > 0 {
		head := c.queue[0]
		if head.Len() <= n {
			n -= head.Len()
			c.queuedBytes -= head.Len()
			c.queue = c.queue[1:]
		} else {
			rest := head.Rest(n)
			c.queuedBytes -= n
			c.queue[0] = rest
			n = 0
		}
	}
}

// checkWriteTimeout is clocked from the Manager's 1-second timer: a
// write in flight for more than 60 seconds forces a WRITE_TIMEOUT
// disconnect.
func (c *Conn) checkWriteTimeout() {
	c.mu.Lock()
	stuck := !c.writeSince.IsZero() && time.Since(c.writeSince) > 60*time.Second
	c.mu.Unlock()
	if stuck {
		c.Disconnect(ReasonWriteTimeout, "write timed out")
	}
}

// Disconnect requests a graceful shutdown: further Enqueue calls become
// no-ops, the failure is reported asynchronously (never reentrantly from
// inside a handler), and a hard close is scheduled for disconnect_timeout
// from now.
func (c *Conn) Disconnect(reason Reason, info string) {
	c.mu.Lock()
	if !c.discAt.IsZero() {
		c.mu.Unlock()
		return
	}
	c.discAt = time.Now().Add(c.conf.DisconnectTimeout)
	empty := len(c.queue) == 0
	timeout := c.conf.DisconnectTimeout
	c.mu.Unlock()

	go c.host.failed(c, reason, info)

	if empty {
		c.shutdown()
	}
	time.AfterFunc(timeout, c.hardClose)
}

func (c *Conn) shutdown() {
	if cw, ok := c.raw.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func (c *Conn) hardClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.raw.Close()
	close(c.writeSignal)
}

// SetDataMode switches the read loop into binary pass-through: the next
// n bytes are forwarded verbatim to consumer (no line splitting), after
// which normal line-oriented reads resume.
func (c *Conn) SetDataMode(n int, consumer func([]byte)) {
	c.mu.Lock()
	c.dataMode = true
	c.dataRemaining = n
	c.dataConsumer = consumer
	c.mu.Unlock()
}

// Serve runs the read loop until the connection fails or is closed. It
// blocks the calling goroutine; callers run it via `go c.Serve()`.
func (c *Conn) Serve() {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := c.raw.Read(chunk)
		if err != nil {
			c.host.failed(c, ReasonSocketError, err.Error())
			return
		}
		c.onData(chunk[:n])
	}
}

func (c *Conn) onData(data []byte) {
	c.mu.Lock()
	dataMode := c.dataMode
	c.mu.Unlock()

	if dataMode {
		c.feedDataMode(data)
		return
	}

	c.inBuf = append(c.inBuf, data...)
	for {
		idx := indexByte(c.inBuf, '\n')
		if idx < 0 {
			break
		}
		line := string(c.inBuf[:idx])
		c.inBuf = c.inBuf[idx+1:]
		line = strings.TrimSuffix(line, "\r")
		c.host.handleLine(c, line)

		c.mu.Lock()
		dataMode = c.dataMode
		c.mu.Unlock()
		if dataMode {
			rest := c.inBuf
			c.inBuf = nil
			if len(rest) > 0 {
				c.feedDataMode(rest)
			}
			return
		}
	}
	if c.conf.MaxCommandSize > 0 && len(c.inBuf) > c.conf.MaxCommandSize {
		c.host.failed(c, ReasonInvalidCommandType, "line too long")
	}
}

func (c *Conn) feedDataMode(data []byte) {
	c.mu.Lock()
	remaining := c.dataRemaining
	consumer := c.dataConsumer
	if remaining > len(data) {
		remaining -= len(data)
		c.dataRemaining = remaining
		c.mu.Unlock()
		if consumer != nil {
			consumer(data)
		}
		return
	}
	take := data[:remaining]
	rest := data[remaining:]
	c.dataMode = false
	c.dataRemaining = 0
	c.dataConsumer = nil
	c.mu.Unlock()
	if consumer != nil {
		consumer(take)
	}
	if len(rest) > 0 {
		c.onData(rest)
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
