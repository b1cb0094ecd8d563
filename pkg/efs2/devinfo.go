package efs2

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
)

// DeviceInfo describes the NOR/NAND flash device underlying the EFS
// filesystem (spec.md §4.8).
type DeviceInfo struct {
	NumBlocks     int32
	PagesPerBlock int32
	PageSize      int32
	TotalPageSize int32
	MakerID       int32
	DeviceID      int32
	IsNAND        bool
	Name          string
}

// DeviceInfo issues EFS2_DIAG_DEV_INFO.
func (c *Client) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	if err := c.ensureHello(ctx); err != nil {
		return DeviceInfo{}, err
	}
	req := make([]byte, 3)
	c.writeHeader(req, cmdDevInfo)

	resp, err := c.sendRecv(ctx, req)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("efs2: dev_info: %w", err)
	}
	// <BH7iB>: subsys+subcommand, 7 int32 fields (errno, then 6 geometry
	// and ID fields), then a single device-type byte, followed by a
	// null-terminated device name.
	const headerLen = 3 + 4*7 + 1
	if len(resp) < headerLen {
		return DeviceInfo{}, fmt.Errorf("efs2: dev_info: response too short")
	}
	errno := int32(binary.LittleEndian.Uint32(resp[3:7]))
	if err := errnoError("dev_info", errno); err != nil {
		return DeviceInfo{}, err
	}

	info := DeviceInfo{
		NumBlocks:     int32(binary.LittleEndian.Uint32(resp[7:11])),
		PagesPerBlock: int32(binary.LittleEndian.Uint32(resp[11:15])),
		PageSize:      int32(binary.LittleEndian.Uint32(resp[15:19])),
		TotalPageSize: int32(binary.LittleEndian.Uint32(resp[19:23])),
		MakerID:       int32(binary.LittleEndian.Uint32(resp[23:27])),
		DeviceID:      int32(binary.LittleEndian.Uint32(resp[27:31])),
		IsNAND:        resp[31] != 0,
	}
	name := resp[headerLen:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	info.Name = string(name)
	return info, nil
}
