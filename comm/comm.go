/*Package comm provides an embeddable type for line-oriented communication with lab hardware.

Most usages of this package will boil down to:
	1.  make a RemoteDevice with NewRemoteDevice, giving it the Rx and Tx
		terminators your hardware uses and, if it is on a serial cable, a
		serial.Config.
	2.  Open it once.
	3.  Lock it around every exchange (a Send, or a Send followed by a Recv).
		The device does not multiplex; two goroutines sharing a RemoteDevice
		must never interleave their exchanges.
	4.  Close it once, when you are done with the hardware.

A minimal example is provided below for a sensor that responds to
"RD?" with the current temperature

	type MySensor struct {
		*comm.RemoteDevice
	}

	func (ms *MySensor) ReadTemp() (float64, error) {
		ms.Lock()
		defer ms.Unlock()
		resp, err := ms.SendRecv([]byte("RD?"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// DefaultTimeout is the read timeout used when a RemoteDevice does not set one
const DefaultTimeout = 1 * time.Second

// DefaultDrainTimeout is how long a RemoteDevice listens for late replies
// before the first Send after a timed out Recv
const DefaultDrainTimeout = 100 * time.Millisecond

var (
	// ErrNoSerialConf is generated when IsSerial is true but no serial.Config was given
	ErrNoSerialConf = errors.New("remote device is serial but has no serial configuration")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrTimeout is generated when the remote does not reply within the timeout
	ErrTimeout = errors.New("timeout waiting for response from remote")
)

// Terminators holds the receipt and transmission terminators of a device.
// Rx is the byte a reply ends on, Tx is appended to every transmission.
type Terminators struct {
	Rx byte
	Tx []byte
}

// CRLF terminates transmissions with \r\n and replies on \n
var CRLF = Terminators{Rx: '\n', Tx: []byte("\r\n")}

/*RemoteDevice has an address and a connection to it.

note that if IsSerial is true, a serial.Config must have been given at
construction.

The embedded mutex is not used by RemoteDevice itself; owners lock it for the
duration of each exchange so that commands and replies are never interleaved.
*/
type RemoteDevice struct {
	sync.Mutex

	Addr     string
	IsSerial bool
	Conn     io.ReadWriteCloser

	// Timeout is the maximum time a Recv waits for the Rx terminator
	Timeout time.Duration

	// DrainTimeout is how long stale input is read and discarded after a
	// Recv timed out, before the next Send
	DrainTimeout time.Duration

	// dirty is set when a Recv timed out; the remote may still answer
	dirty bool

	terms  Terminators
	serCfg *serial.Config
	rd     *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.
// if terms is nil, CRLF is used.
func NewRemoteDevice(addr string, serial bool, terms *Terminators, serCfg *serial.Config) RemoteDevice {
	if terms == nil {
		terms = &CRLF
	}
	return RemoteDevice{
		Addr:     addr,
		IsSerial: serial,
		Timeout:      DefaultTimeout,
		DrainTimeout: DefaultDrainTimeout,
		terms:        *terms,
		serCfg:       serCfg}
}

// Open the connection, setting the Conn variable.
// Opening an open device is a no-op.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// we use an exponential backoff, serial-to-ethernet bridges
	// do not like being connection thrashed
	var lastErr error
	op := func() error {
		err := rd.open()
		if err != nil {
			lastErr = err
			if err == ErrNoSerialConf || strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		err = lastErr
	}
	return fmt.Errorf("unable to connect to %s: %w", rd.Addr, err)
}

func (rd *RemoteDevice) open() error {
	var err error
	var conn io.ReadWriteCloser
	if rd.IsSerial {
		if rd.serCfg == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serCfg)
	} else {
		conn, err = net.DialTimeout("tcp", rd.Addr, 3*time.Second)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.rd = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable.
// Closing a closed device returns ErrNotConnected.
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.rd = nil
	rd.dirty = false
	return err
}

// Send writes data to the remote after appending the Tx terminator.
// If the last Recv timed out, input that arrived since is discarded first.
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	if rd.dirty {
		rd.drain()
	}
	msg := make([]byte, 0, len(b)+len(rd.terms.Tx))
	msg = append(msg, b...)
	msg = append(msg, rd.terms.Tx...)
	_, err := rd.Conn.Write(msg)
	return err
}

// Recv recieves one line from the remote.  The line is returned with its
// terminator(s) intact, i.e. up to and including the Rx byte.
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	timeout := rd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if rd.rd == nil {
		rd.rd = bufio.NewReader(rd.Conn)
	}
	if conn, ok := rd.Conn.(net.Conn); ok {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	buf, err := rd.rd.ReadBytes(rd.terms.Rx)
	if err != nil {
		if rd.isTimeout(err) {
			// whatever partial reply is buffered belongs to the
			// exchange that just failed
			rd.rd.Reset(rd.Conn)
			rd.dirty = true
			return nil, ErrTimeout
		}
		return buf, err
	}
	if !bytes.HasSuffix(buf, []byte{rd.terms.Rx}) {
		return buf, ErrTerminatorNotFound
	}
	return buf, nil
}

// drain reads and discards input until the remote has been silent for
// DrainTimeout.  A serial port is read once, bounded by its own ReadTimeout.
func (rd *RemoteDevice) drain() {
	rd.dirty = false
	if rd.rd != nil {
		rd.rd.Reset(rd.Conn)
	}
	timeout := rd.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	buf := make([]byte, 256)
	conn, ok := rd.Conn.(net.Conn)
	if !ok {
		rd.Conn.Read(buf)
		return
	}
	defer conn.SetReadDeadline(time.Time{})
	for {
		conn.SetReadDeadline(time.Now().Add(timeout))
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns one line of response
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return nil, err
	}
	return rd.Recv()
}

// isTimeout reports if err is a read timeout.  tarm/serial reports an
// expired ReadTimeout as a zero-length read, which bufio turns into
// io.EOF or io.ErrNoProgress.
func (rd *RemoteDevice) isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return rd.IsSerial && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress))
}
