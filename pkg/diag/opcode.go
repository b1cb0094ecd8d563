// Package diag implements the DIAG protocol engine: frame classification,
// the request/response matcher, the module registry/lifecycle, and the
// shutdown coordinator described by the core specification.
package diag

import "fmt"

// Opcode is the first byte of an unframed DIAG packet.
//
// The exact numeric values below are not recovered from a vendor header —
// the retrieved QCSuper snapshot's protocol/messages.py was not present in
// this pack — so they are assigned consistently rather than lifted from a
// real device capture. What the specification pins down exactly (DiagLogF,
// DiagMultiRadioCmdF) keeps the mandated value.
type Opcode byte

const (
	DiagVernoF Opcode = 0x00

	// DiagLogF carries an asynchronous log record (spec.md §3).
	DiagLogF Opcode = 0x10

	DiagPeekBF Opcode = 0x0B

	DiagMsgF             Opcode = 0x06
	DiagExtMsgF          Opcode = 0x79
	DiagExtMsgTerseF     Opcode = 0x7A
	DiagQsrExtMsgTerseF  Opcode = 0x92
	DiagQsr4ExtMsgTerseF Opcode = 0x93

	DiagLogConfigF    Opcode = 0x73
	DiagExtMsgConfigF Opcode = 0x7D
	DiagSubsysCmdF    Opcode = 0x4B

	// DiagMultiRadioCmdF wraps another frame behind a 7-byte header
	// (spec.md §3, §4.3).
	DiagMultiRadioCmdF Opcode = 0x98

	DiagBadCmdF     Opcode = 0x13
	DiagBadParmF    Opcode = 0x14
	DiagBadLenF     Opcode = 0x15
	DiagBadModeF    Opcode = 0x16
	DiagBadSpcModeF Opcode = 0x17
	DiagBadSecModeF Opcode = 0x18
	DiagBadTransF   Opcode = 0x19
)

// MessageOpcodes are the five variants of "terse"/normal/extended debug
// messages (spec.md §3).
var MessageOpcodes = map[Opcode]bool{
	DiagMsgF:             true,
	DiagExtMsgF:          true,
	DiagExtMsgTerseF:     true,
	DiagQsrExtMsgTerseF:  true,
	DiagQsr4ExtMsgTerseF: true,
}

// errorOpcodes is the fixed set of failure responses a request may receive
// instead of an opcode-matching success response (spec.md §3, §4.4).
var errorOpcodes = map[Opcode]bool{
	DiagBadCmdF:     true,
	DiagBadParmF:    true,
	DiagBadLenF:     true,
	DiagBadModeF:    true,
	DiagBadSpcModeF: true,
	DiagBadSecModeF: true,
	DiagBadTransF:   true,
}

// IsErrorOpcode reports whether op is one of the seven error-response opcodes.
func IsErrorOpcode(op Opcode) bool {
	return errorOpcodes[op]
}

var opcodeNames = map[Opcode]string{
	DiagVernoF:           "DIAG_VERNO_F",
	DiagLogF:             "DIAG_LOG_F",
	DiagPeekBF:           "DIAG_PEEKB_F",
	DiagMsgF:             "DIAG_MSG_F",
	DiagExtMsgF:          "DIAG_EXT_MSG_F",
	DiagExtMsgTerseF:     "DIAG_EXT_MSG_TERSE_F",
	DiagQsrExtMsgTerseF:  "DIAG_QSR_EXT_MSG_TERSE_F",
	DiagQsr4ExtMsgTerseF: "DIAG_QSR4_EXT_MSG_TERSE_F",
	DiagLogConfigF:       "DIAG_LOG_CONFIG_F",
	DiagExtMsgConfigF:    "DIAG_EXT_MSG_CONFIG_F",
	DiagSubsysCmdF:       "DIAG_SUBSYS_CMD_F",
	DiagMultiRadioCmdF:   "DIAG_MULTI_RADIO_CMD_F",
	DiagBadCmdF:          "DIAG_BAD_CMD_F",
	DiagBadParmF:         "DIAG_BAD_PARM_F",
	DiagBadLenF:          "DIAG_BAD_LEN_F",
	DiagBadModeF:         "DIAG_BAD_MODE_F",
	DiagBadSpcModeF:      "DIAG_BAD_SPC_MODE_F",
	DiagBadSecModeF:      "DIAG_BAD_SEC_MODE_F",
	DiagBadTransF:        "DIAG_BAD_TRANS_F",
}

// String renders a human-readable opcode name, falling back to its hex value.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", byte(o))
}
