// Package kmsg copies kernel log records from /dev/kmsg.
package kmsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	devKmsg = "/dev/kmsg"
	// Largest record the kernel hands out in one read.
	maxRecord = 8192
	// Upper bound of records copied by one Drain so a kernel spewing
	// messages cannot stall the caller.
	maxRecordsPerDrain = 4096
)

// Reader reads records without blocking, skipping records already copied.
type Reader struct {
	fd      int
	lastSeq uint64
	haveSeq bool
	buf     []byte
}

// Open opens /dev/kmsg positioned after the newest record.
func Open() (*Reader, error) {
	return open(devKmsg, true)
}

func open(path string, seekEnd bool) (*Reader, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if seekEnd {
		if _, err := unix.Seek(fd, 0, io.SeekEnd); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("seeking %s: %w", path, err)
		}
	}
	return &Reader{fd: fd, buf: make([]byte, maxRecord)}, nil
}

// Drain copies every pending record to w and returns the bytes written. It
// stops once the kernel has nothing more to hand out.
func (r *Reader) Drain(w io.Writer) (int, error) {
	written := 0
	for i := 0; i < maxRecordsPerDrain; i++ {
		n, err := unix.Read(r.fd, r.buf)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return written, nil
		case errors.Is(err, unix.EPIPE):
			// The ring buffer overwrote records we had not read yet.
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return written, fmt.Errorf("reading kernel log: %w", err)
		case n <= 0:
			return written, nil
		}

		record := r.buf[:n]
		seq, ok := Sequence(record)
		if ok {
			if r.haveSeq && seq <= r.lastSeq {
				continue
			}
			r.lastSeq, r.haveSeq = seq, true
		}
		m, err := w.Write(record)
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (r *Reader) Close() error {
	return unix.Close(r.fd)
}

// Sequence extracts the sequence number of a "prio,seq,usec,flags;text" record.
func Sequence(record []byte) (uint64, bool) {
	header, _, ok := bytes.Cut(record, []byte{';'})
	if !ok {
		return 0, false
	}
	fields := bytes.SplitN(header, []byte{','}, 3)
	if len(fields) < 3 {
		return 0, false
	}
	seq, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
