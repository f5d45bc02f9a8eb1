package fs

import "strings"

// skipElem returns the next path element of path and the remainder,
// skipping leading slashes, mirroring xv6-riscv's skipelem.
func skipElem(path string) (elem, rest string) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) == 0 {
		return "", ""
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, ""
	}
	return path[:i], path[i+1:]
}

// namex walks path one element at a time, starting from root (absolute
// paths) or cwd (relative paths), locking each intermediate directory just
// long enough to look up the next element — xv6-riscv's namex. If nameiparent
// is true, resolution stops one element short and the final element's name
// is written into parentOf.
func (f *FS) namex(pid int, path string, nameiparent bool, parentOf []byte, cwd *Inode) *Inode {
	var ip *Inode
	if len(path) > 0 && path[0] == '/' {
		ip = f.iget(ROOTINO)
	} else {
		ip = f.iget(cwd.Inum)
	}

	var elem string
	for {
		elem, path = skipElem(path)
		if elem == "" {
			break
		}
		f.ilock(pid, ip)
		if ip.typ != TypeDir {
			f.iunlock(ip)
			f.iput(pid, ip)
			return nil
		}
		if nameiparent && path == "" {
			copyName(parentOf, elem)
			f.iunlock(ip)
			return ip
		}
		next, _, ok := f.Dirlookup(pid, ip, elem)
		f.iunlock(ip)
		if !ok {
			f.iput(pid, ip)
			return nil
		}
		f.iput(pid, ip)
		ip = next
	}
	if nameiparent {
		f.iput(pid, ip)
		return nil
	}
	return ip
}

func copyName(dst []byte, name string) {
	n := copy(dst, name)
	for ; n < len(dst); n++ {
		dst[n] = 0
	}
}

// Namei resolves path to its inode, unlocked, refcounted.
func (f *FS) Namei(pid int, path string, cwd *Inode) *Inode {
	return f.namex(pid, path, false, nil, cwd)
}

// NameiParent resolves path to its parent directory's inode, writing the
// final element's name into name (which must be at least DIRSIZ bytes).
func (f *FS) NameiParent(pid int, path string, name []byte, cwd *Inode) *Inode {
	return f.namex(pid, path, true, name, cwd)
}
