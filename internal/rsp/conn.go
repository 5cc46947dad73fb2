package rsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrBadChecksum reports a packet whose checksum did not match its body.
// It is recoverable: the packet was discarded (and refused with `-` while
// acknowledgment mode is active) and the stream is positioned at the next
// packet boundary.
var ErrBadChecksum = errors.New("rsp: checksum mismatch")

// Packet is one decoded unit from the client. Either Data holds the packet
// body after escape and run-length decoding, or Interrupt is set for a
// bare 0x03 byte received between packets.
type Packet struct {
	Data      []byte
	Interrupt bool
}

// Conn frames RSP traffic over a single client connection. Recv may run on
// a different goroutine than Send; writes (replies and acknowledgment
// bytes) are serialized internally.
type Conn struct {
	br *bufio.Reader
	w  io.Writer

	wmu       sync.Mutex
	lastFrame []byte

	noAck atomic.Bool

	log  *logrus.Entry
	wire bool
}

// NewConn wraps rw. Acknowledgment mode starts enabled, as the protocol
// requires before QStartNoAckMode is negotiated. When wire is true every
// frame in both directions is logged at debug level.
func NewConn(rw io.ReadWriter, log *logrus.Entry, wire bool) *Conn {
	return &Conn{
		br:   bufio.NewReader(rw),
		w:    rw,
		log:  log,
		wire: wire,
	}
}

// SetNoAck disables acknowledgment bytes in both directions. Called after
// the QStartNoAckMode reply has been sent; a stray trailing `+` from the
// client is tolerated by the scan loop.
func (c *Conn) SetNoAck() {
	c.noAck.Store(true)
}

// NoAck reports whether acknowledgment bytes are disabled.
func (c *Conn) NoAck() bool {
	return c.noAck.Load()
}

// Recv returns the next packet or interrupt indication. A checksum
// mismatch yields ErrBadChecksum and leaves the connection usable; any
// other error is terminal for the connection.
func (c *Conn) Recv() (Packet, error) {
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return Packet{}, err
		}
		switch b {
		case packetStart:
			return c.readBody()
		case interruptByte:
			if c.wire {
				c.log.Debug("<- interrupt")
			}
			return Packet{Interrupt: true}, nil
		case '+':
			c.wmu.Lock()
			c.lastFrame = nil
			c.wmu.Unlock()
		case '-':
			if err := c.resendLast(); err != nil {
				return Packet{}, err
			}
		default:
			// Line noise between packets is skipped, matching what
			// every stub tolerates from serial transports.
		}
	}
}

func (c *Conn) readBody() (Packet, error) {
	var body []byte
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return Packet{}, err
		}
		if b == packetEnd {
			break
		}
		body = append(body, b)
	}
	var sum [2]byte
	if _, err := io.ReadFull(c.br, sum[:]); err != nil {
		return Packet{}, err
	}
	hi, ok1 := hexNibble(sum[0])
	lo, ok2 := hexNibble(sum[1])
	if c.wire {
		c.log.Debugf("<- %q", fmt.Sprintf("$%s#%s", body, sum[:]))
	}
	if !ok1 || !ok2 || hi<<4|lo != checksum(body) {
		if err := c.writeAck('-'); err != nil {
			return Packet{}, err
		}
		return Packet{}, ErrBadChecksum
	}
	if err := c.writeAck('+'); err != nil {
		return Packet{}, err
	}
	return Packet{Data: decodeWire(body)}, nil
}

func (c *Conn) writeAck(b byte) error {
	if c.noAck.Load() {
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.w.Write([]byte{b})
	return err
}

func (c *Conn) resendLast() error {
	if c.noAck.Load() {
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.lastFrame == nil {
		return nil
	}
	if c.wire {
		c.log.Debugf("-> %q (resend)", c.lastFrame)
	}
	_, err := c.w.Write(c.lastFrame)
	return err
}

// Send frames and transmits a reply whose payload is already wire-safe
// (printable text with no framing bytes).
func (c *Conn) Send(payload []byte) error {
	return c.sendFrame(payload)
}

// SendString is Send for string payloads.
func (c *Conn) SendString(payload string) error {
	return c.sendFrame([]byte(payload))
}

// SendBinary escapes payload before framing. Used for replies that carry
// raw bytes, such as qXfer chunks.
func (c *Conn) SendBinary(payload []byte) error {
	return c.sendFrame(escapeBinary(payload))
}

// SendConsole transmits an `O` packet carrying hex-encoded text for the
// client to print on its console.
func (c *Conn) SendConsole(msg string) error {
	payload := make([]byte, 0, 1+2*len(msg))
	payload = append(payload, 'O')
	payload = appendHex(payload, []byte(msg))
	return c.sendFrame(payload)
}

func (c *Conn) sendFrame(body []byte) error {
	frame := make([]byte, 0, len(body)+4)
	frame = append(frame, packetStart)
	frame = append(frame, body...)
	frame = append(frame, packetEnd)
	frame = append(frame, hexDigits[checksum(body)>>4], hexDigits[checksum(body)&0xf])

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.wire {
		c.log.Debugf("-> %q", frame)
	}
	if !c.noAck.Load() {
		c.lastFrame = frame
	}
	_, err := c.w.Write(frame)
	return err
}

const hexDigits = "0123456789abcdef"

func appendHex(dst, src []byte) []byte {
	for _, b := range src {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0xf])
	}
	return dst
}
