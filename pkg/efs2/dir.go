package efs2

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
)

// DirEntry is one record yielded by ReadDir.
type DirEntry struct {
	Name  string
	Mode  uint32
	Size  int32
	Atime int32
	Mtime int32
	Ctime int32

	// Target is populated by ReadDir when Mode indicates a symlink,
	// resolved via a follow-up READLINK call (spec.md §4.8).
	Target string
}

// IsDir reports whether the entry is a directory (S_IFDIR).
func (e DirEntry) IsDir() bool { return e.Mode&sIFMT == sIFDIR }

// IsSymlink reports whether the entry is a symbolic link (S_IFLNK).
func (e DirEntry) IsSymlink() bool { return e.Mode&sIFMT == sIFLNK }

// Dir is a remote directory handle opened via OpenDir.
type Dir struct {
	client *Client
	fd     uint32
}

// OpenDir issues EFS2_DIAG_OPENDIR for path.
func (c *Client) OpenDir(ctx context.Context, path string) (*Dir, error) {
	if err := c.ensureHello(ctx); err != nil {
		return nil, err
	}
	req := make([]byte, 3+len(path)+1)
	c.writeHeader(req, cmdOpendir)
	copy(req[3:], nullTerminated(path))

	resp, err := c.sendRecv(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("efs2: opendir %q: %w", path, err)
	}
	if len(resp) < 11 {
		return nil, fmt.Errorf("efs2: opendir %q: response too short", path)
	}
	fd := binary.LittleEndian.Uint32(resp[3:7])
	errno := int32(binary.LittleEndian.Uint32(resp[7:11]))
	if err := errnoError("opendir", errno); err != nil {
		return nil, fmt.Errorf("efs2: %q: %w", path, err)
	}
	return &Dir{client: c, fd: fd}, nil
}

// ReadAll iterates every directory entry via EFS2_DIAG_READDIR, starting
// the sequence number at 1 as the original does, stopping at the first
// empty/null entry path. Entries whose mode marks them a symlink have
// Target resolved via ReadLink.
func (d *Dir) ReadAll(ctx context.Context) ([]DirEntry, error) {
	var entries []DirEntry
	for seq := uint32(1); ; seq++ {
		req := make([]byte, 3+4+4)
		d.client.writeHeader(req, cmdReaddir)
		binary.LittleEndian.PutUint32(req[3:7], d.fd)
		binary.LittleEndian.PutUint32(req[7:11], seq)

		resp, err := d.client.sendRecv(ctx, req)
		if err != nil {
			return entries, fmt.Errorf("efs2: readdir: %w", err)
		}
		// <BHI8i>: subsys+subcommand, dir_fd, then 8 int32 fields
		// (sequence_number, errno, entry_type, mode, size, atime, mtime, ctime).
		const headerLen = 3 + 4 + 8*4
		if len(resp) < headerLen {
			return entries, fmt.Errorf("efs2: readdir: response too short")
		}
		errno := int32(binary.LittleEndian.Uint32(resp[11:15]))
		if err := errnoError("readdir", errno); err != nil {
			return entries, err
		}
		mode := binary.LittleEndian.Uint32(resp[19:23])
		size := int32(binary.LittleEndian.Uint32(resp[23:27]))
		atime := int32(binary.LittleEndian.Uint32(resp[27:31]))
		mtime := int32(binary.LittleEndian.Uint32(resp[31:35]))
		ctime := int32(binary.LittleEndian.Uint32(resp[35:39]))

		nameBytes := resp[headerLen:]
		if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
			nameBytes = nameBytes[:i]
		}
		if len(nameBytes) == 0 {
			return entries, nil
		}

		entry := DirEntry{
			Name: string(nameBytes), Mode: mode, Size: size,
			Atime: atime, Mtime: mtime, Ctime: ctime,
		}
		if entry.IsSymlink() {
			if target, err := d.client.ReadLink(ctx, entry.Name); err == nil {
				entry.Target = target
			}
		}
		entries = append(entries, entry)
	}
}

// Close issues EFS2_DIAG_CLOSEDIR.
func (d *Dir) Close(ctx context.Context) error {
	req := make([]byte, 3+4)
	d.client.writeHeader(req, cmdClosedir)
	binary.LittleEndian.PutUint32(req[3:7], d.fd)

	resp, err := d.client.sendRecv(ctx, req)
	if err != nil {
		return fmt.Errorf("efs2: closedir: %w", err)
	}
	if len(resp) < 7 {
		return fmt.Errorf("efs2: closedir: response too short")
	}
	errno := int32(binary.LittleEndian.Uint32(resp[3:7]))
	return errnoError("closedir", errno)
}

// ReadLink issues EFS2_DIAG_READLINK for path, used to resolve symlinks
// found while iterating ReadAll (spec.md §4.8).
func (c *Client) ReadLink(ctx context.Context, path string) (string, error) {
	req := make([]byte, 3+len(path)+1)
	c.writeHeader(req, cmdReadlink)
	copy(req[3:], nullTerminated(path))

	resp, err := c.sendRecv(ctx, req)
	if err != nil {
		return "", fmt.Errorf("efs2: readlink %q: %w", path, err)
	}
	const headerLen = 3 + 4
	if len(resp) < headerLen {
		return "", fmt.Errorf("efs2: readlink %q: response too short", path)
	}
	errno := int32(binary.LittleEndian.Uint32(resp[3:7]))
	if err := errnoError("readlink", errno); err != nil {
		return "", fmt.Errorf("efs2: %q: %w", path, err)
	}
	target := resp[headerLen:]
	if i := bytes.IndexByte(target, 0); i >= 0 {
		target = target[:i]
	}
	return string(target), nil
}
