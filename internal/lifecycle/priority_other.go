//go:build !linux

package lifecycle

import "errors"

func setThreadPriority(int) error {
	return errors.New("thread priority not supported on this platform")
}
