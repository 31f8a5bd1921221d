package atom

import "time"

import "golang.org/x/sys/unix"

var process_start time.Time = time.Now()

func monotonic_time() uint64 {
	var uts unix.Timespec
	var err error

	err = unix.ClockGettime(unix.CLOCK_MONOTONIC, &uts)
	if err != nil {
		// time.Since() reads the monotonic clock reading kept in process_start
		return uint64(time.Since(process_start).Nanoseconds())
	}

	return uint64(uts.Nano())
}
