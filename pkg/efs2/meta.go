package efs2

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Stat is the metadata STAT returns. Its wire layout ("<BH7i": subsys,
// subcommand, errno, mode, size, num_links, atime, mtime, ctime) differs
// from the readdir response's layout even though both describe a file —
// the original computes an unused "<BHI8i>" variable for stat.py too, but
// the actual unpack it performs is "<BH7i"; this client follows the real
// unpack, not the dead variable.
type Stat struct {
	Mode     uint32
	Size     int32
	NumLinks int32
	Atime    int32
	Mtime    int32
	Ctime    int32

	// Target is populated when Mode indicates a symlink, resolved via a
	// follow-up READLINK call.
	Target string
}

// IsDir reports whether the stat result describes a directory.
func (s Stat) IsDir() bool { return s.Mode&sIFMT == sIFDIR }

// IsSymlink reports whether the stat result describes a symbolic link.
func (s Stat) IsSymlink() bool { return s.Mode&sIFMT == sIFLNK }

// Stat issues EFS2_DIAG_STAT for path.
func (c *Client) Stat(ctx context.Context, path string) (Stat, error) {
	if err := c.ensureHello(ctx); err != nil {
		return Stat{}, err
	}
	req := make([]byte, 3+len(path)+1)
	c.writeHeader(req, cmdStat)
	copy(req[3:], nullTerminated(path))

	resp, err := c.sendRecv(ctx, req)
	if err != nil {
		return Stat{}, fmt.Errorf("efs2: stat %q: %w", path, err)
	}
	const headerLen = 3 + 4*7
	if len(resp) < headerLen {
		return Stat{}, fmt.Errorf("efs2: stat %q: response too short", path)
	}
	errno := int32(binary.LittleEndian.Uint32(resp[3:7]))
	if err := errnoError("stat", errno); err != nil {
		return Stat{}, fmt.Errorf("efs2: %q: %w", path, err)
	}

	st := Stat{
		Mode:     binary.LittleEndian.Uint32(resp[7:11]),
		Size:     int32(binary.LittleEndian.Uint32(resp[11:15])),
		NumLinks: int32(binary.LittleEndian.Uint32(resp[15:19])),
		Atime:    int32(binary.LittleEndian.Uint32(resp[19:23])),
		Mtime:    int32(binary.LittleEndian.Uint32(resp[23:27])),
		Ctime:    int32(binary.LittleEndian.Uint32(resp[27:31])),
	}
	if st.IsSymlink() {
		if target, err := c.ReadLink(ctx, path); err == nil {
			st.Target = target
		}
	}
	return st, nil
}

// statusOnly issues a request whose response is just "<BHi>" (subsys,
// subcommand, errno), the shape shared by MKDIR, RMDIR, UNLINK, RENAME,
// SYMLINK and CHMOD.
func (c *Client) statusOnly(ctx context.Context, op string, req []byte) error {
	resp, err := c.sendRecv(ctx, req)
	if err != nil {
		return fmt.Errorf("efs2: %s: %w", op, err)
	}
	if len(resp) < 7 {
		return fmt.Errorf("efs2: %s: response too short", op)
	}
	errno := int32(binary.LittleEndian.Uint32(resp[3:7]))
	return errnoError(op, errno)
}

// defaultDirMode is 0777 with the directory bit set, matching the
// original's hardcoded "0o777 | 0o040000" MKDIR mode.
const defaultDirMode = 0o777 | sIFDIR

// Mkdir issues EFS2_DIAG_MKDIR for path with the default mode the
// original always uses (it takes no mode argument).
func (c *Client) Mkdir(ctx context.Context, path string) error {
	if err := c.ensureHello(ctx); err != nil {
		return err
	}
	req := make([]byte, 3+2+len(path)+1)
	c.writeHeader(req, cmdMkdir)
	binary.LittleEndian.PutUint16(req[3:5], uint16(defaultDirMode))
	copy(req[5:], nullTerminated(path))
	return c.statusOnly(ctx, "mkdir", req)
}

// Remove deletes path, issuing RMDIR if a prior STAT shows it is a
// directory and UNLINK otherwise, matching rm.py's stat-then-delete
// dispatch.
func (c *Client) Remove(ctx context.Context, path string) error {
	st, err := c.Stat(ctx, path)
	if err != nil {
		return err
	}
	cmd := cmdUnlink
	if st.IsDir() {
		cmd = cmdRmdir
	}
	req := make([]byte, 3+len(path)+1)
	c.writeHeader(req, cmd)
	copy(req[3:], nullTerminated(path))
	return c.statusOnly(ctx, "remove", req)
}

// Rename issues EFS2_DIAG_RENAME, moving oldPath to newPath.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := c.ensureHello(ctx); err != nil {
		return err
	}
	req := make([]byte, 3+len(oldPath)+1+len(newPath)+1)
	c.writeHeader(req, cmdRename)
	off := 3
	off += copy(req[off:], nullTerminated(oldPath))
	copy(req[off:], nullTerminated(newPath))
	return c.statusOnly(ctx, "rename", req)
}

// Symlink issues EFS2_DIAG_SYMLINK, creating newLink pointing at target.
func (c *Client) Symlink(ctx context.Context, newLink, target string) error {
	if err := c.ensureHello(ctx); err != nil {
		return err
	}
	req := make([]byte, 3+len(newLink)+1+len(target)+1)
	c.writeHeader(req, cmdSymlink)
	off := 3
	off += copy(req[off:], nullTerminated(newLink))
	copy(req[off:], nullTerminated(target))
	return c.statusOnly(ctx, "symlink", req)
}

// Chmod issues EFS2_DIAG_CHMOD, setting path's full POSIX mode (including
// file-type bits) to mode.
func (c *Client) Chmod(ctx context.Context, path string, mode uint16) error {
	if err := c.ensureHello(ctx); err != nil {
		return err
	}
	req := make([]byte, 3+2+len(path)+1)
	c.writeHeader(req, cmdChmod)
	binary.LittleEndian.PutUint16(req[3:5], mode)
	copy(req[5:], nullTerminated(path))
	return c.statusOnly(ctx, "chmod", req)
}
