// Package transport accepts host connections on the USB function device
// and on TCP, one session at a time.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/danmuck/flashd/internal/platform"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var ErrNoEndpoint = errors.New("transport: no endpoint configured")

type Config struct {
	// DevicePath is the USB function endpoint; empty disables it.
	DevicePath string
	// TCPPort is the TCP endpoint; negative disables it, 0 picks a port.
	TCPPort    int
	TCPBacklog int
	Backoff    BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		DevicePath: "/dev/android_adb",
		TCPPort:    1234,
		TCPBacklog: 5,
		Backoff:    DefaultBackoff(),
	}
}

// SessionFunc serves one connection until it fails.
type SessionFunc func(rw io.ReadWriter) error

type Listener struct {
	cfg   Config
	serve SessionFunc
	props platform.Properties

	mu     sync.Mutex
	tcp    *net.TCPListener
	device *os.File
	// missingLogged suppresses repeated "can't open" logs.
	missingLogged bool
}

func New(cfg Config, serve SessionFunc, props platform.Properties) *Listener {
	return &Listener{cfg: cfg, serve: serve, props: props}
}

// Listen binds the TCP endpoint. Serve calls it when needed.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tcp != nil || l.cfg.TCPPort < 0 {
		return nil
	}
	ln, err := listenTCP(l.cfg.TCPPort, l.cfg.TCPBacklog)
	if err != nil {
		return err
	}
	l.tcp = ln
	log.Info().Str("component", "transport").Str("addr", ln.Addr().String()).Int("backlog", l.cfg.TCPBacklog).Msg("tcp listening")
	return nil
}

// Addr returns the bound TCP address, nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tcp == nil {
		return nil
	}
	return l.tcp.Addr()
}

// Serve multiplexes both endpoints until ctx is done. Sessions run on the
// calling goroutine; a session failure never ends Serve. A TCP bind failure
// is fatal only when no device endpoint is configured.
func (l *Listener) Serve(ctx context.Context) error {
	if l.cfg.DevicePath == "" && l.cfg.TCPPort < 0 {
		return ErrNoEndpoint
	}
	// A busy TCP port only costs that endpoint while the device can
	// still be served.
	if err := l.Listen(); err != nil {
		if l.cfg.DevicePath == "" {
			return err
		}
		log.Warn().Str("component", "transport").Int("port", l.cfg.TCPPort).Err(err).Msg("tcp endpoint unavailable, serving device only")
	}
	defer l.closeAll()

	if l.props != nil {
		if err := l.props.Set(platform.PropUSBConfig, "adb"); err != nil {
			log.Warn().Str("component", "transport").Err(err).Msg("usb mode not set")
		}
	}

	wake, err := newWaker(ctx)
	if err != nil {
		return err
	}
	defer wake.Close()

	tcpFD := -1
	if l.tcp != nil {
		if tcpFD, err = listenerFD(l.tcp); err != nil {
			return err
		}
	}

	idle := 0
	for ctx.Err() == nil {
		dev := l.openDevice()

		fds := []unix.PollFd{{Fd: int32(wake.fd()), Events: unix.POLLIN}}
		devIdx, tcpIdx := -1, -1
		if dev != nil {
			devIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(dev.Fd()), Events: unix.POLLIN})
		}
		if tcpFD >= 0 {
			tcpIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(tcpFD), Events: unix.POLLIN})
		}

		timeout := -1
		if l.cfg.DevicePath != "" && dev == nil {
			idle++
			timeout = int(NextBackoffDelay(l.cfg.Backoff, idle, nil).Milliseconds())
		}

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 || ctx.Err() != nil {
			continue
		}
		idle = 0

		ready := func(i int) bool {
			return i >= 0 && fds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		}
		switch {
		case ready(devIdx):
			l.runSession(ctx, "device", dev)
			l.closeDevice()
		case ready(tcpIdx):
			conn, err := l.tcp.Accept()
			if err != nil {
				log.Warn().Str("component", "transport").Err(err).Msg("accept failed")
				continue
			}
			l.runSession(ctx, conn.RemoteAddr().String(), conn)
			conn.Close()
		}
	}
	return nil
}

type closer interface {
	io.ReadWriter
	Close() error
}

func (l *Listener) runSession(ctx context.Context, peer string, rw closer) {
	log.Info().Str("component", "transport").Str("peer", peer).Msg("session started")
	// Unblock a pending read when the daemon shuts down.
	stop := context.AfterFunc(ctx, func() { rw.Close() })
	defer stop()
	err := l.serve(rw)
	log.Info().Str("component", "transport").Str("peer", peer).Err(err).Msg("session ended")
}

func (l *Listener) openDevice() *os.File {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device != nil || l.cfg.DevicePath == "" {
		return l.device
	}
	f, err := os.OpenFile(l.cfg.DevicePath, os.O_RDWR, 0)
	if err != nil {
		if !l.missingLogged {
			log.Warn().Str("component", "transport").Str("path", l.cfg.DevicePath).Err(err).Msg("can't open device endpoint")
			l.missingLogged = true
		}
		return nil
	}
	l.missingLogged = false
	l.device = f
	log.Info().Str("component", "transport").Str("path", l.cfg.DevicePath).Msg("device endpoint open")
	return f
}

func (l *Listener) closeDevice() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device != nil {
		l.device.Close()
		l.device = nil
	}
}

func (l *Listener) closeAll() {
	l.closeDevice()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tcp != nil {
		l.tcp.Close()
		l.tcp = nil
	}
}

// waker is a self-pipe that becomes readable when ctx is done, so an
// unbounded poll still observes cancellation.
type waker struct {
	r, w *os.File
	stop func() bool
}

func newWaker(ctx context.Context) (*waker, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	wk := &waker{r: r, w: w}
	wk.stop = context.AfterFunc(ctx, func() { w.Write([]byte{1}) })
	return wk, nil
}

func (w *waker) fd() uintptr {
	return w.r.Fd()
}

func (w *waker) Close() {
	w.stop()
	w.r.Close()
	w.w.Close()
}
