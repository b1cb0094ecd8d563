// Package logmask implements the log-subscription manager: negotiating
// per-equipment-ID log-code bitmasks with the device over DIAG_LOG_CONFIG_F
// (spec.md §4.7).
package logmask

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/qcsuper/diagcore/pkg/diag"
)

// Equipment IDs recognized by DIAG_LOG_CONFIG_F (spec.md §4.7).
const (
	Equipment1X           = 0x1
	EquipmentWCDMA        = 0x4
	EquipmentGSM          = 0x5
	EquipmentLBS          = 0x6
	EquipmentUMTS         = 0x7
	EquipmentTDMA         = 0x8
	EquipmentDTV          = 0xA
	EquipmentAppsLTEWiMAX = 0xB
	EquipmentDSP          = 0xC
	EquipmentTDSCDMA      = 0xD
	EquipmentTools        = 0xF

	numEquipmentIDs = 16
)

const (
	opRetrieveIDRanges = 1
	opSetMask          = 3

	statusSuccess = 0
)

// headerLen is the "<3xI" skip-3-pad-bytes-then-uint32-op" request header
// shared by every DIAG_LOG_CONFIG_F sub-operation.
const headerLen = 3 + 4

// Manager negotiates and tears down log-code subscriptions for a single
// Session. AllowList, if non-empty, restricts SET_MASK to only the
// (equipment_id<<12)|index entries it names (spec.md §4.7).
type Manager struct {
	AllowList map[uint32]bool

	// Log receives non-fatal warnings (a nonzero status on an otherwise
	// successful exchange). Nil is a valid no-op.
	Log diag.Logger

	maxIndex [numEquipmentIDs]uint32
}

func (m *Manager) warnf(format string, args ...interface{}) {
	if m.Log != nil {
		m.Log.Infof(format, args...)
	}
}

// Requester is the subset of *diag.Session a Manager needs.
type Requester interface {
	SendRecv(ctx context.Context, reqOpcode diag.Opcode, payload []byte, acceptError bool) (diag.Opcode, []byte, error)
}

// OnInit retrieves the device's per-equipment log-code ranges and enables
// every log code the allow-list admits (or everything, if AllowList is
// empty), matching EnableLogMixin.on_init.
func (m *Manager) OnInit(ctx context.Context, req Requester) error {
	req0 := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(req0[3:7], opRetrieveIDRanges)

	_, payload, err := req.SendRecv(ctx, diag.DiagLogConfigF, req0, false)
	if err != nil {
		return fmt.Errorf("logmask: retrieving id ranges: %w", err)
	}
	if err := m.parseIDRanges(payload); err != nil {
		return err
	}

	for equipID := 0; equipID < numEquipmentIDs; equipID++ {
		if m.maxIndex[equipID] == 0 {
			continue
		}
		mask := m.fillMask(uint32(equipID), m.maxIndex[equipID], true)
		if err := m.setMask(ctx, req, uint32(equipID), mask); err != nil {
			return err
		}
	}
	return nil
}

// OnDeinit re-sends a zero mask for every equipment ID that was enabled,
// matching EnableLogMixin.on_deinit.
func (m *Manager) OnDeinit(ctx context.Context, req Requester) {
	for equipID := 0; equipID < numEquipmentIDs; equipID++ {
		if m.maxIndex[equipID] == 0 {
			continue
		}
		mask := m.fillMask(uint32(equipID), m.maxIndex[equipID], false)
		_ = m.setMask(ctx, req, uint32(equipID), mask)
	}
}

// parseIDRanges unpacks the "<3xII" header (operation, status) followed by
// "<16I" max log-code index per equipment ID.
func (m *Manager) parseIDRanges(payload []byte) error {
	const headerAndStatusLen = 3 + 4 + 4
	if len(payload) < headerAndStatusLen+numEquipmentIDs*4 {
		return fmt.Errorf("logmask: id-range response too short: %d bytes", len(payload))
	}
	status := binary.LittleEndian.Uint32(payload[7:11])
	if status != statusSuccess {
		m.warnf("logmask: id-range retrieval resulted in status %d", status)
	}
	for i := 0; i < numEquipmentIDs; i++ {
		off := headerAndStatusLen + i*4
		m.maxIndex[i] = binary.LittleEndian.Uint32(payload[off : off+4])
	}
	return nil
}

// fillMask builds the LSB-first packed bitmask for equipID's numBits log
// codes, honoring AllowList when set (mirrors _fill_log_mask).
func (m *Manager) fillMask(equipID uint32, numBits uint32, bitValue bool) []byte {
	numBytes := (numBits + 7) / 8
	mask := make([]byte, numBytes)
	if !bitValue {
		return mask
	}
	for i := uint32(0); i < numBits; i++ {
		if m.AllowList != nil && len(m.AllowList) > 0 {
			key := (equipID << 12) | i
			if !m.AllowList[key] {
				continue
			}
		}
		mask[i/8] |= 1 << (i % 8)
	}
	return mask
}

// setMask sends DIAG_LOG_CONFIG_F SET_MASK ("<3xIII"+mask: operation,
// equipment id, mask length in bits) for a single equipment ID.
func (m *Manager) setMask(ctx context.Context, req Requester, equipID uint32, mask []byte) error {
	body := make([]byte, headerLen+4+4+len(mask))
	binary.LittleEndian.PutUint32(body[3:7], opSetMask)
	binary.LittleEndian.PutUint32(body[7:11], equipID)
	binary.LittleEndian.PutUint32(body[11:15], m.maxIndex[equipID])
	copy(body[15:], mask)

	_, resp, err := req.SendRecv(ctx, diag.DiagLogConfigF, body, false)
	if err != nil {
		return fmt.Errorf("logmask: setting mask for equipment %d: %w", equipID, err)
	}
	if len(resp) >= 11 {
		if status := binary.LittleEndian.Uint32(resp[7:11]); status != statusSuccess {
			m.warnf("logmask: set-mask for equipment %d resulted in status %d", equipID, status)
		}
	}
	return nil
}

// Subscription returns the negotiated mask size, in bits, for every
// equipment ID the device reported a non-zero range for, for observability
// surfaces like pkg/dashboard.
func (m *Manager) Subscription() map[uint32]uint32 {
	out := make(map[uint32]uint32)
	for equipID := 0; equipID < numEquipmentIDs; equipID++ {
		if m.maxIndex[equipID] != 0 {
			out[uint32(equipID)] = m.maxIndex[equipID]
		}
	}
	return out
}

// Module adapts Manager into a *diag.Module for registration with a
// Session. onLog receives every log record the negotiated mask admits;
// callers that only want the subscription itself (no consumer) can pass a
// no-op, but an empty onLog here means this module gets deregistered right
// after init, per the registry's "no subscription" rule.
func (m *Manager) Module(sess Requester, onLog func(diag.Packet)) *diag.Module {
	return &diag.Module{
		Name: "logmask",
		OnInit: func(ctx context.Context, _ *diag.Session) error {
			return m.OnInit(ctx, sess)
		},
		OnDeinit: func(ctx context.Context, _ *diag.Session) {
			m.OnDeinit(ctx, sess)
		},
		WantsLog: onLog,
	}
}
