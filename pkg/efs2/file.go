package efs2

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// Open flags, a minimal subset of the original's oflag constants.
const (
	ORdonly           = 0x0
	OWronlyTruncCreat = 0o1101
)

// File is a remote file descriptor opened via Open.
type File struct {
	client *Client
	fd     int32
}

// Open issues EFS2_DIAG_OPEN for path with the given oflag/mode.
func (c *Client) Open(ctx context.Context, path string, oflag int32, mode int32) (*File, error) {
	if err := c.ensureHello(ctx); err != nil {
		return nil, err
	}
	req := make([]byte, 3+4+4+len(path)+1)
	c.writeHeader(req, cmdOpen)
	binary.LittleEndian.PutUint32(req[3:7], uint32(oflag))
	binary.LittleEndian.PutUint32(req[7:11], uint32(mode))
	copy(req[11:], nullTerminated(path))

	resp, err := c.sendRecv(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("efs2: open %q: %w", path, err)
	}
	if len(resp) < 11 {
		return nil, fmt.Errorf("efs2: open %q: response too short", path)
	}
	fd := int32(binary.LittleEndian.Uint32(resp[3:7]))
	errno := int32(binary.LittleEndian.Uint32(resp[7:11]))
	if err := errnoError("open", errno); err != nil {
		return nil, fmt.Errorf("efs2: %q: %w", path, err)
	}
	return &File{client: c, fd: fd}, nil
}

// ReadAll reads f in readChunkSize chunks until a zero-length read signals
// EOF, writing each chunk to w as it arrives.
func (f *File) ReadAll(ctx context.Context, w io.Writer) error {
	var offset uint32
	for {
		req := make([]byte, 3+4+4+4)
		f.client.writeHeader(req, cmdRead)
		binary.LittleEndian.PutUint32(req[3:7], uint32(f.fd))
		binary.LittleEndian.PutUint32(req[7:11], readChunkSize)
		binary.LittleEndian.PutUint32(req[11:15], offset)

		resp, err := f.client.sendRecv(ctx, req)
		if err != nil {
			return fmt.Errorf("efs2: read: %w", err)
		}
		const headerLen = 3 + 4 + 4 + 4 + 4
		if len(resp) < headerLen {
			return fmt.Errorf("efs2: read: response too short")
		}
		errno := int32(binary.LittleEndian.Uint32(resp[15:19]))
		data := resp[headerLen:]
		if len(data) > 0 {
			if _, err := w.Write(data); err != nil {
				return fmt.Errorf("efs2: read: writing local output: %w", err)
			}
		}
		if err := errnoError("read", errno); err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		offset += uint32(len(data))
	}
}

// WriteAll writes every byte from r to f in writeChunkSize chunks.
func (f *File) WriteAll(ctx context.Context, r io.Reader) error {
	var offset uint32
	buf := make([]byte, writeChunkSize)
	for {
		n, readErr := io.ReadFull(r, buf)
		if n == 0 {
			if readErr == io.EOF {
				return nil
			}
			if readErr == io.ErrUnexpectedEOF {
				return nil
			}
			return readErr
		}

		req := make([]byte, 3+4+4+n)
		f.client.writeHeader(req, cmdWrite)
		binary.LittleEndian.PutUint32(req[3:7], uint32(f.fd))
		binary.LittleEndian.PutUint32(req[7:11], offset)
		copy(req[11:], buf[:n])

		resp, err := f.client.sendRecv(ctx, req)
		if err != nil {
			return fmt.Errorf("efs2: write: %w", err)
		}
		const headerLen = 3 + 4 + 4 + 4 + 4
		if len(resp) < headerLen {
			return fmt.Errorf("efs2: write: response too short")
		}
		errno := int32(binary.LittleEndian.Uint32(resp[15:19]))
		if err := errnoError("write", errno); err != nil {
			return err
		}
		offset += uint32(n)

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// Close issues EFS2_DIAG_CLOSE. Callers should defer Close after a
// successful Open even when a subsequent operation fails, matching the
// original's try/finally close-on-every-path discipline.
func (f *File) Close(ctx context.Context) error {
	req := make([]byte, 3+4)
	f.client.writeHeader(req, cmdClose)
	binary.LittleEndian.PutUint32(req[3:7], uint32(f.fd))

	resp, err := f.client.sendRecv(ctx, req)
	if err != nil {
		return fmt.Errorf("efs2: close: %w", err)
	}
	if len(resp) < 7 {
		return fmt.Errorf("efs2: close: response too short")
	}
	errno := int32(binary.LittleEndian.Uint32(resp[3:7]))
	return errnoError("close", errno)
}
