package serial

import (
	"time"

	tarmserial "github.com/tarm/serial"
)

// readTimeout bounds how long a single Recv blocks before reporting (0,
// nil); this transport's own retry loops decide how many consecutive
// timeouts to tolerate.
const readTimeout = 500 * time.Millisecond

// TTY is a Port backed by a real OS serial device via
// github.com/tarm/serial.
type TTY struct {
	conn *tarmserial.Port
}

// Open configures and opens the named device at baud.
func (t *TTY) Open(device string, baud int) error {
	conn, err := tarmserial.OpenPort(&tarmserial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *TTY) Close() error {
	return t.conn.Close()
}

func (t *TTY) Send(buf []byte) error {
	_, err := t.conn.Write(buf)
	return err
}

func (t *TTY) Recv(buf []byte) (int, error) {
	return t.conn.Read(buf)
}

func (t *TTY) Drain() error {
	return t.conn.Flush()
}

// SetDTRRTS leaves the lines untouched and always returns an error:
// github.com/tarm/serial does not expose DTR/RTS line control. It does not
// log; Session.ResetTarget, its only caller (direct mode), logs the error
// from raising the line and returns the error from lowering it.
func (t *TTY) SetDTRRTS(on bool) error {
	return errDTRRTSUnsupported
}

var errDTRRTSUnsupported = &unsupportedError{"serial: tarm/serial backend does not support DTR/RTS line control on this platform"}

type unsupportedError struct{ msg string }

func (e *unsupportedError) Error() string { return e.msg }
