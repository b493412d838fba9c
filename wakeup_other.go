//go:build !linux

package core

import (
	"os"
	"time"
)

// wakeupFD exposes the reactor's wake signal as a pollable file descriptor.
// Off Linux it is the read end of a pipe; hosts that embed the loop poll it,
// everything else relies on the wake channel.
type wakeupFD struct {
	r *os.File
	w *os.File
}

func newWakeupFD() (*wakeupFD, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &wakeupFD{r: r, w: w}, nil
}

func (w *wakeupFD) fd() int {
	return int(w.r.Fd())
}

func (w *wakeupFD) signal() {
	_, _ = w.w.Write([]byte{1})
}

// drain consumes pending signals without blocking when none are set.
func (w *wakeupFD) drain() bool {
	var buf [64]byte
	_ = w.r.SetReadDeadline(time.Now())
	n, err := w.r.Read(buf[:])
	_ = w.r.SetReadDeadline(time.Time{})
	return err == nil && n > 0
}

func (w *wakeupFD) close() {
	_ = w.r.Close()
	_ = w.w.Close()
}
