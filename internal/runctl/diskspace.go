package runctl

import "golang.org/x/sys/unix"

// freeDiskBytes returns the free space available to an unprivileged user on
// the filesystem backing path, used by Preflight's 250MB disk-space check.
func freeDiskBytes(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil //nolint:gosec // filesystem block counts, not attacker-controlled
}
