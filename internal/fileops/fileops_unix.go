//go:build unix

package fileops

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// networkMagics lists the filesystem-type magic numbers reported by
// statfs(2) for the remote filesystem kinds this pipeline treats specially: SMB/AFP/NFS/
// WebDAV/FUSE/CIFS. WebDAV and AFP are typically mounted as FUSE or SMB2
// on Linux, so FUSE_SUPER_MAGIC and SMB2_MAGIC_NUMBER cover them.
var networkMagics = map[int64]string{
	0x6969:     "NFS",
	0xFF534D42: "CIFS",
	0xFE534D42: "SMB2",
	0x65735546: "FUSE",
}

func isNetworkVolume(path string) (bool, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(path, &stat); err != nil {
		return false, fmt.Errorf("statfs: %q: %w", path, err)
	}

	_, known := networkMagics[int64(stat.Type)]

	return known, nil
}

// sameDevice reports whether a and b sit on the same mounted filesystem,
// used to tell a destination on the same device as the source (local)
// apart from one mounted separately (external media).
func sameDevice(a, b string) (bool, error) {
	var statA, statB unix.Statfs_t

	if err := unix.Statfs(a, &statA); err != nil {
		return false, fmt.Errorf("statfs: %q: %w", a, err)
	}

	if err := unix.Statfs(b, &statB); err != nil {
		return false, fmt.Errorf("statfs: %q: %w", b, err)
	}

	return statA.Fsid == statB.Fsid, nil
}

// nonSystemXattrPrefixes are the attribute namespaces worth preserving
// (Finder tags/comments live under user.* on Linux-mounted macOS shares).
var nonSystemXattrPrefixes = []string{"user."}

func xattrCopy(src, dst string) error {
	size, err := unix.Listxattr(src, nil)
	if err != nil || size <= 0 {
		return nil //nolint:nilerr // best-effort: spec says xattr failure never fails the file
	}

	buf := make([]byte, size)

	n, err := unix.Listxattr(src, buf)
	if err != nil {
		return nil //nolint:nilerr
	}

	for _, name := range splitNullTerminated(buf[:n]) {
		if !hasAnyPrefix(name, nonSystemXattrPrefixes) {
			continue
		}

		valSize, err := unix.Getxattr(src, name, nil)
		if err != nil || valSize <= 0 {
			continue
		}

		val := make([]byte, valSize)
		if _, err := unix.Getxattr(src, name, val); err != nil {
			continue
		}

		_ = unix.Setxattr(dst, name, val, 0)
	}

	return nil
}

func splitNullTerminated(b []byte) []string {
	var names []string

	for _, part := range strings.Split(string(b), "\x00") {
		if part != "" {
			names = append(names, part)
		}
	}

	return names
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}

	return false
}
