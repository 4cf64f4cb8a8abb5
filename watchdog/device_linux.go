//go:build linux

package watchdog

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// magicClose tells the driver the close is intentional.
const magicClose = "V"

type device struct {
	f *os.File
}

func openDevice(index int) (Device, error) {
	f, err := os.OpenFile(fmt.Sprintf("/dev/watchdog%d", index), os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &device{f: f}, nil
}

func (d *device) Name() string {
	return d.f.Name()
}

func (d *device) SetTimeout(seconds int) (int, error) {
	fd := int(d.f.Fd())
	if err := unix.IoctlSetPointerInt(fd, unix.WDIOC_SETTIMEOUT, seconds); err != nil {
		return 0, fmt.Errorf("WDIOC_SETTIMEOUT: %w", err)
	}
	got, err := unix.IoctlGetInt(fd, unix.WDIOC_GETTIMEOUT)
	if err != nil {
		return 0, fmt.Errorf("WDIOC_GETTIMEOUT: %w", err)
	}
	return got, nil
}

func (d *device) Keepalive() error {
	return unix.IoctlSetInt(int(d.f.Fd()), unix.WDIOC_KEEPALIVE, 0)
}

func (d *device) Disarm() error {
	_, werr := d.f.WriteString(magicClose)
	cerr := d.f.Close()
	if werr != nil {
		return fmt.Errorf("disarming %s: %w", d.f.Name(), werr)
	}
	return cerr
}
