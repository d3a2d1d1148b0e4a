package cellular

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Modem is the AT-command channel to the cellular modem. SerialModem is the
// real implementation; tests substitute a fake.
type Modem interface {
	SendAT(cmd string, timeout time.Duration) (lines []string, err error)
	Close() error
}

// SerialModem drives the modem over a raw tty, configured via termios
// ioctls rather than a chat-script helper binary. Grounded on the
// retrieval pack's goserial reference (port_linux.go), which configures a
// tty the same way (open, IoctlGetTermios, mutate flags, IoctlSetTermios)
// but through a non-pack ioctl wrapper; reimplemented here directly against
// golang.org/x/sys/unix, which the teacher's go.mod already carries.
type SerialModem struct {
	f  *os.File
	rd *bufio.Reader
}

// OpenSerialModem opens path and puts it into raw 8N1 mode at baud.
func OpenSerialModem(path string, baud uint32) (*SerialModem, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cellular: open %s: %w", path, err)
	}
	fd := int(f.Fd())

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cellular: get termios: %w", err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	t.Ispeed = baud
	t.Ospeed = baud
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1 // 100ms read granularity

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		f.Close()
		return nil, fmt.Errorf("cellular: set termios: %w", err)
	}

	return &SerialModem{f: f, rd: bufio.NewReader(f)}, nil
}

// SendAT writes cmd terminated by CR and collects echoed/response lines
// until a terminal "OK"/"ERROR"/"+CME ERROR" line or timeout.
func (m *SerialModem) SendAT(cmd string, timeout time.Duration) ([]string, error) {
	if _, err := m.f.Write([]byte(cmd + "\r")); err != nil {
		return nil, fmt.Errorf("cellular: write %q: %w", cmd, err)
	}
	deadline := time.Now().Add(timeout)
	var lines []string
	for time.Now().Before(deadline) {
		m.f.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		line, err := m.rd.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
			if line == "OK" || strings.HasPrefix(line, "ERROR") || strings.Contains(line, "+CME ERROR") {
				return lines, nil
			}
		}
		if err != nil && !os.IsTimeout(err) {
			return lines, fmt.Errorf("cellular: read response: %w", err)
		}
	}
	return lines, ErrModemTimeout
}

func (m *SerialModem) Close() error { return m.f.Close() }
