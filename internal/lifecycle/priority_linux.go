//go:build linux

package lifecycle

import "golang.org/x/sys/unix"

// setThreadPriority maps p onto the nice value of the calling OS thread.
// NormPriority is nice 0 and each step is two nice levels. Raising priority
// above normal usually needs CAP_SYS_NICE.
func setThreadPriority(p int) error {
	nice := (NormPriority - p) * 2
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice)
}
