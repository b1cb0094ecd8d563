// Package serial implements the serial-port DIAG transport: a raw,
// non-canonical tty opened at 115200 baud with RTS/CTS hardware flow
// control enabled and DTR asserted, matching the original's
// Serial(rtscts=True, dsrdtr=True) (spec.md §4.2).
package serial

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Port is a live DIAG connection over a serial device.
type Port struct {
	file *os.File
	fd   int
}

// Open opens device (e.g. "/dev/ttyUSB0"), puts it into raw mode at
// 115200 baud with CRTSCTS enabled, and asserts DTR.
//
// Linux's termios has no kernel-level equivalent of pyserial's DSR/DTR
// software flow control loop (dsrdtr=True is mostly advisory on POSIX);
// this binding asserts DTR once at open, matching the original's
// observable behavior on Linux, and relies on CRTSCTS for the flow
// control that actually happens in the kernel driver.
func Open(device string) (*Port, error) {
	file, err := os.OpenFile(device, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: opening %s: %w", device, err)
	}
	fd := int(file.Fd())

	if err := configure(fd); err != nil {
		file.Close()
		return nil, fmt.Errorf("serial: configuring %s: %w", device, err)
	}

	if err := assertDTR(fd); err != nil {
		file.Close()
		return nil, fmt.Errorf("serial: asserting DTR on %s: %w", device, err)
	}

	return &Port{file: file, fd: fd}, nil
}

func configure(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("getting termios: %w", err)
	}

	unix.CfmakeRaw(t)
	t.Cflag |= unix.CRTSCTS | unix.CLOCAL | unix.CREAD
	if err := unix.IoctlSetTermiosSpeed(fd, 115200); err != nil {
		return fmt.Errorf("setting baud rate: %w", err)
	}

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("setting termios: %w", err)
	}
	return nil
}

func assertDTR(fd int) error {
	status, err := unix.IoctlGetInt(fd, unix.TIOCMGET)
	if err != nil {
		return err
	}
	status |= unix.TIOCM_DTR
	return unix.IoctlSetPointerInt(fd, unix.TIOCMSET, status)
}

// Write sends a single already-HDLC-framed buffer.
func (p *Port) Write(ctx context.Context, framed []byte) error {
	_, err := p.file.Write(framed)
	return err
}

// Read blocks for at least one chunk of bytes off the serial line.
func (p *Port) Read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 64*1024)
	n, err := p.file.Read(buf)
	if n == 0 {
		return nil, err
	}
	return buf[:n], err
}

// Close closes the serial device.
func (p *Port) Close() error {
	return p.file.Close()
}
