//go:build linux

package core

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// wakeupFD exposes the reactor's wake signal as a pollable file descriptor
// so the loop can be embedded as an I/O source in a host GUI loop. On Linux
// it is an eventfd.
type wakeupFD struct {
	efd int
}

func newWakeupFD() (*wakeupFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &wakeupFD{efd: fd}, nil
}

func (w *wakeupFD) fd() int {
	return w.efd
}

// signal makes the fd readable. EAGAIN means the counter is already
// saturated, which still reads as "signalled".
func (w *wakeupFD) signal() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(w.efd, buf[:])
}

// drain consumes the pending signal, reporting whether one was set.
func (w *wakeupFD) drain() bool {
	var buf [8]byte
	n, err := unix.Read(w.efd, buf[:])
	return err == nil && n == 8
}

func (w *wakeupFD) close() {
	_ = unix.Close(w.efd)
}
