//go:build linux

package cat

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// serialPort is a raw, non-blocking tty.
type serialPort struct {
	fd int
}

func openSerial(device string) (Port, error) {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := configureRaw(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("flush: %w", err)
	}
	return &serialPort{fd: fd}, nil
}

// configureRaw sets 38400 8N1, no flow control, raw input and output and
// a 100 ms inter-byte read timeout.
func configureRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	t.Cflag &^= unix.CBAUD | unix.PARENB | unix.CSTOPB | unix.CSIZE | unix.CRTSCTS
	t.Cflag |= unix.B38400 | unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Ispeed = unix.B38400
	t.Ospeed = unix.B38400

	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ISIG
	t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL
	t.Oflag &^= unix.OPOST

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Read returns 0, nil when nothing is waiting.
func (p *serialPort) Read(b []byte) (int, error) {
	n, err := unix.Read(p.fd, b)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (p *serialPort) Write(b []byte) (int, error) {
	return unix.Write(p.fd, b)
}

func (p *serialPort) Flush() error {
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIFLUSH)
}

func (p *serialPort) Close() error {
	return unix.Close(p.fd)
}
