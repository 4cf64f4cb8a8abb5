//go:build !linux

package watchdog

import (
	"fmt"
	"os"
)

func openDevice(index int) (Device, error) {
	return nil, fmt.Errorf("watchdog%d: %w", index, os.ErrNotExist)
}
