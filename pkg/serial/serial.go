// Package serial provides the raw transport for the pendant link:
// a termios serial port, plus Unix-socket and TCP variants for bench
// runs against a simulated pendant. The pendant only ever talks to
// the host, so the port surface is read-side only.
package serial

import (
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Config holds pendant port configuration.
type Config struct {
	// Device path, e.g. /dev/ttyUSB0.
	Device string

	// BaudRate defaults to 115200, the pendant controller's rate.
	BaudRate int

	// ConnectTimeout bounds how long Open retries while the device
	// is still enumerating. Default 60 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout for individual reads. Default 5 seconds.
	ReadTimeout time.Duration

	// RTSOnConnect asserts RTS once connected; some pendant boards
	// hold reset until it is raised.
	RTSOnConnect bool
}

// Port is one pendant connection: a tty fd or a stream socket.
type Port struct {
	mu          sync.Mutex
	fd          int
	device      string
	readTimeout time.Duration
	closed      bool
	oldTermios  *unix.Termios
	isSocket    bool
}

// Open opens and configures the pendant serial device. USB pendants
// enumerate late after a power cycle, so a missing or busy device is
// retried until ConnectTimeout expires.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}

	fd, err := openRetry(cfg.Device, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	// Raw 8N1, no flow control, no line discipline.
	termios := *oldTermios
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	speed, err := baudSpeed(cfg.BaudRate)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	setSpeed(&termios, speed)

	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 1 // 100ms per character

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}

	p := &Port{
		fd:          fd,
		device:      cfg.Device,
		readTimeout: cfg.ReadTimeout,
		oldTermios:  oldTermios,
	}
	if cfg.RTSOnConnect {
		p.assertRTS()
	}
	return p, nil
}

// openRetry opens the device, waiting out late enumeration.
func openRetry(device string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
		if err == nil {
			return fd, nil
		}
		if !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBUSY) {
			return -1, fmt.Errorf("serial: open %s: %w", device, err)
		}
		if time.Now().After(deadline) {
			return -1, fmt.Errorf("serial: open %s: %w", device, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// OpenSocket connects to a Unix socket. Used on the bench against a
// simulated pendant.
func OpenSocket(socketPath string, timeout time.Duration) (*Port, error) {
	if socketPath == "" {
		return nil, errors.New("serial: socket path required")
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: create socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: socketPath}
	if err := connectRetry(fd, addr, timeout); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: connect to %s: %w", socketPath, err)
	}
	return &Port{
		fd:          fd,
		device:      socketPath,
		readTimeout: 5 * time.Second,
		isSocket:    true,
	}, nil
}

// OpenTCP connects to host:port, for a pendant controller bridging
// its serial link over the network.
func OpenTCP(address string, timeout time.Duration) (*Port, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("serial: parse address %s: %w", address, err)
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil || portNum <= 0 || portNum > 65535 {
		return nil, fmt.Errorf("serial: bad port in %s", address)
	}
	if host == "localhost" {
		host = "127.0.0.1"
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, fmt.Errorf("serial: %s is not an IPv4 address", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: create socket: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: portNum}
	copy(addr.Addr[:], ip)
	if err := connectRetry(fd, addr, timeout); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: connect to %s: %w", address, err)
	}
	return &Port{
		fd:          fd,
		device:      address,
		readTimeout: 5 * time.Second,
		isSocket:    true,
	}, nil
}

// connectRetry retries while the peer is not up yet.
func connectRetry(fd int, addr unix.Sockaddr, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Connect(fd, addr)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.ECONNREFUSED) {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Read reads up to len(buf) bytes, returning ErrTimeout when the
// pendant stays silent past the read timeout.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	timeout := p.readTimeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("serial: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}

	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	return n, nil
}

// Close closes the port, restoring the tty's original settings.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.oldTermios != nil && !p.isSocket {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}
	return unix.Close(p.fd)
}

// Device returns the device path or address.
func (p *Port) Device() string {
	return p.device
}

// assertRTS raises RTS. Adapters without modem control lines are
// common, so failures are ignored.
func (p *Port) assertRTS() {
	var status int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd),
		uintptr(unix.TIOCMGET), uintptr(unsafe.Pointer(&status)))
	if errno != 0 {
		return
	}
	status |= unix.TIOCM_RTS
	unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd),
		uintptr(unix.TIOCMSET), uintptr(unsafe.Pointer(&status)))
}

// baudSpeed maps a baud rate to its termios speed constant.
func baudSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}
	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	if runtime.GOOS == "linux" {
		// BOTHER: arbitrary rate straight into the speed fields.
		return 0x1000 | uint32(baud), nil
	}
	return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}
