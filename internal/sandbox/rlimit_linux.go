//go:build linux

package sandbox

import "golang.org/x/sys/unix"

var rlimits = map[ResourceType]int{
	Memory:     unix.RLIMIT_AS,
	WorkingSet: unix.RLIMIT_RSS,
	Handles:    unix.RLIMIT_NOFILE,
}

// setRlimit lowers both the soft and hard limit to v. A hard limit already
// below v is kept; an unprivileged caller cannot raise it.
func setRlimit(pid int, rt ResourceType, v uint64) error {
	res, ok := rlimits[rt]
	if !ok {
		return errUnsupported
	}
	var cur unix.Rlimit
	if err := unix.Prlimit(pid, res, nil, &cur); err != nil {
		return err
	}
	v = min(v, cur.Max)
	return unix.Prlimit(pid, res, &unix.Rlimit{Cur: v, Max: v}, nil)
}

func setNice(pid, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, nice)
}
