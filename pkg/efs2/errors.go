package efs2

import "errors"

// ErrUnexpectedResponse is returned when a DIAG_SUBSYS_CMD_F exchange
// comes back under a different opcode entirely, rather than with a
// nonzero errno field.
var ErrUnexpectedResponse = errors.New("efs2: unexpected response opcode")

// errorMessages holds EFS2-specific errno renderings that don't map onto
// a standard POSIX errno (the original's protocol/efs2.py table was not
// present in the retrieved source; standard POSIX errnos fall back to
// syscall.Errno's strerror-equivalent text instead of being guessed here).
var errorMessages = map[int32]string{}
