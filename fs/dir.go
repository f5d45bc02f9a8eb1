package fs

import (
	"riscv-os/defs"
	"riscv-os/util"
)

// direntSize is (inum uint16, name[DIRSIZ]byte), xv6-riscv's struct dirent.
const direntSize = 2 + DIRSIZ

// Dirlookup scans dp (which must be a locked directory inode) linearly for
// name, returning the matching inode (unlocked, refcounted via iget) and the
// byte offset of its entry within dp, or ok=false if not found.
func (f *FS) Dirlookup(pid int, dp *Inode, name string) (ip *Inode, off uint32, ok bool) {
	if dp.typ != TypeDir {
		panic("fs: Dirlookup: not a directory")
	}
	buf := make([]byte, direntSize)
	for o := uint32(0); o < dp.size; o += direntSize {
		n, err := f.Readi(pid, dp, buf, o)
		if err != 0 || n != direntSize {
			panic("fs: Dirlookup: short read")
		}
		inum := util.Readn16(buf, 0)
		if inum == 0 {
			continue
		}
		if util.Strncmp(name, dirname(buf), DIRSIZ) == 0 {
			return f.iget(int(inum)), o, true
		}
	}
	return nil, 0, false
}

// dirname extracts the NUL-bounded name field from a raw dirent buffer.
func dirname(buf []byte) string {
	raw := buf[2:direntSize]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

// Dirlink writes a new (name -> inum) entry into dp at the first free slot
// or, failing that, appends. Fails with -defs.EEXIST if name is already
// present. Must run within a transaction.
func (f *FS) Dirlink(pid int, dp *Inode, name string, inum int) defs.Err_t {
	if existing, _, ok := f.Dirlookup(pid, dp, name); ok {
		f.iput(pid, existing)
		return -defs.EEXIST
	}

	buf := make([]byte, direntSize)
	var o uint32
	for o = 0; o < dp.size; o += direntSize {
		n, err := f.Readi(pid, dp, buf, o)
		if err != 0 || n != direntSize {
			panic("fs: Dirlink: short read")
		}
		if util.Readn16(buf, 0) == 0 {
			break
		}
	}

	if len(name) >= DIRSIZ {
		return -defs.ENAMETOOLONG
	}
	var entry [direntSize]byte
	util.Writen16(entry[:], 0, uint16(inum))
	util.SafeStrcpy(entry[2:], name, DIRSIZ)
	if n, err := f.Writei(pid, dp, entry[:], o); err != 0 || n != direntSize {
		return -defs.EIO
	}
	return 0
}

// MkRootDir initializes the root directory's "." and ".." entries; used by
// mkfs when formatting a fresh image.
func (f *FS) MkRootDir(pid int) {
	root := f.Ialloc(pid, TypeDir)
	root.nlink = 1
	f.iupdate(pid, root)
	if err := f.Dirlink(pid, root, ".", root.Inum); err != 0 {
		panic("fs: MkRootDir: .")
	}
	if err := f.Dirlink(pid, root, "..", root.Inum); err != 0 {
		panic("fs: MkRootDir: ..")
	}
	f.iunlock(root)
	f.iput(pid, root)
}
