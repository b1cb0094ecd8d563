package logmask

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcsuper/diagcore/pkg/diag"
)

type fakeRequester struct {
	idRangesResp []byte
	setMaskCalls [][]byte
	status       uint32 // reported in every response; statusSuccess (0) unless overridden
}

func (f *fakeRequester) SendRecv(ctx context.Context, reqOpcode diag.Opcode, payload []byte, acceptError bool) (diag.Opcode, []byte, error) {
	op := binary.LittleEndian.Uint32(payload[3:7])
	switch op {
	case opRetrieveIDRanges:
		resp := append([]byte(nil), f.idRangesResp...)
		binary.LittleEndian.PutUint32(resp[7:11], f.status)
		return diag.DiagLogConfigF, resp, nil
	case opSetMask:
		f.setMaskCalls = append(f.setMaskCalls, append([]byte(nil), payload...))
		resp := make([]byte, 11)
		binary.LittleEndian.PutUint32(resp[3:7], opSetMask)
		binary.LittleEndian.PutUint32(resp[7:11], f.status)
		return diag.DiagLogConfigF, resp, nil
	}
	return diag.DiagLogConfigF, nil, nil
}

func buildIDRangesResp(maxIndex [numEquipmentIDs]uint32) []byte {
	resp := make([]byte, 11+numEquipmentIDs*4)
	binary.LittleEndian.PutUint32(resp[3:7], opRetrieveIDRanges)
	binary.LittleEndian.PutUint32(resp[7:11], statusSuccess)
	for i, v := range maxIndex {
		binary.LittleEndian.PutUint32(resp[11+i*4:15+i*4], v)
	}
	return resp
}

func TestManagerOnInitEnablesEveryBitByDefault(t *testing.T) {
	var maxIndex [numEquipmentIDs]uint32
	maxIndex[EquipmentGSM] = 10

	req := &fakeRequester{idRangesResp: buildIDRangesResp(maxIndex)}
	m := &Manager{}

	err := m.OnInit(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, req.setMaskCalls, 1)

	call := req.setMaskCalls[0]
	equipID := binary.LittleEndian.Uint32(call[7:11])
	numBits := binary.LittleEndian.Uint32(call[11:15])
	mask := call[15:]

	assert.EqualValues(t, EquipmentGSM, equipID)
	assert.EqualValues(t, 10, numBits)
	for i := uint32(0); i < 10; i++ {
		assert.True(t, mask[i/8]&(1<<(i%8)) != 0, "bit %d should be set", i)
	}
}

func TestManagerOnInitHonorsAllowList(t *testing.T) {
	var maxIndex [numEquipmentIDs]uint32
	maxIndex[EquipmentGSM] = 8

	req := &fakeRequester{idRangesResp: buildIDRangesResp(maxIndex)}
	allowed := uint32(EquipmentGSM)<<12 | 3
	m := &Manager{AllowList: map[uint32]bool{allowed: true}}

	err := m.OnInit(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, req.setMaskCalls, 1)

	mask := req.setMaskCalls[0][15:]
	for i := uint32(0); i < 8; i++ {
		want := i == 3
		got := mask[i/8]&(1<<(i%8)) != 0
		assert.Equal(t, want, got, "bit %d", i)
	}
}

func TestManagerSubscriptionReportsNegotiatedSizes(t *testing.T) {
	var maxIndex [numEquipmentIDs]uint32
	maxIndex[EquipmentGSM] = 10
	maxIndex[EquipmentWCDMA] = 4

	req := &fakeRequester{idRangesResp: buildIDRangesResp(maxIndex)}
	m := &Manager{}
	require.NoError(t, m.OnInit(context.Background(), req))

	sub := m.Subscription()
	assert.Equal(t, map[uint32]uint32{
		uint32(EquipmentGSM):   10,
		uint32(EquipmentWCDMA): 4,
	}, sub)
}

func TestManagerOnDeinitZeroesMask(t *testing.T) {
	var maxIndex [numEquipmentIDs]uint32
	maxIndex[EquipmentWCDMA] = 4

	req := &fakeRequester{idRangesResp: buildIDRangesResp(maxIndex)}
	m := &Manager{}
	require.NoError(t, m.OnInit(context.Background(), req))
	req.setMaskCalls = nil

	m.OnDeinit(context.Background(), req)
	require.Len(t, req.setMaskCalls, 1)
	mask := req.setMaskCalls[0][15:]
	for _, b := range mask {
		assert.EqualValues(t, 0, b)
	}
}

func TestManagerNonzeroStatusIsWarningNotFatal(t *testing.T) {
	var maxIndex [numEquipmentIDs]uint32
	maxIndex[EquipmentGSM] = 4

	req := &fakeRequester{idRangesResp: buildIDRangesResp(maxIndex), status: 1}
	m := &Manager{}

	err := m.OnInit(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, req.setMaskCalls, 1)
}
