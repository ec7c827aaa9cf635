package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Instruction class and codes of the Ethereum app
const (
	CLA byte = 0xe0

	InsGetPublicKey        byte = 0x02
	InsSign                byte = 0x04
	InsGetAppConfiguration byte = 0x06
	InsProvideERC20        byte = 0x0a
	InsSetExternalPlugin   byte = 0x12
)

// Status words
const (
	SWOK              uint16 = 0x9000
	SWUserRejected    uint16 = 0x6985
	SWInvalidData     uint16 = 0x6a80
	SWWrongP1P2       uint16 = 0x6b00
	SWInsNotSupported uint16 = 0x6d00
	SWClaNotSupported uint16 = 0x6e00
	SWWrongLength     uint16 = 0x6700
	SWPluginNotFound  uint16 = 0x6984
)

// StatusError is a non success status word returned by the device
type StatusError uint16

var statusText = map[StatusError]string{
	StatusError(SWUserRejected):    "condition of use not satisfied (denied by the user?)",
	StatusError(SWInvalidData):     "invalid data",
	StatusError(SWWrongP1P2):       "wrong parameter P1 or P2",
	StatusError(SWInsNotSupported): "instruction not supported",
	StatusError(SWClaNotSupported): "class not supported",
	StatusError(SWWrongLength):     "incorrect length",
	StatusError(SWPluginNotFound):  "plugin not installed",
}

func (e StatusError) Error() string {
	if s, ok := statusText[e]; ok {
		return fmt.Sprintf("ledger: %s (0x%04x)", s, uint16(e))
	}
	return fmt.Sprintf("ledger: unknown status word 0x%04x", uint16(e))
}

var (
	ErrUserRejected    error = StatusError(SWUserRejected)
	ErrInvalidData     error = StatusError(SWInvalidData)
	ErrWrongP1P2       error = StatusError(SWWrongP1P2)
	ErrInsNotSupported error = StatusError(SWInsNotSupported)
	ErrClaNotSupported error = StatusError(SWClaNotSupported)
	ErrWrongLength     error = StatusError(SWWrongLength)
	ErrPluginNotFound  error = StatusError(SWPluginNotFound)

	ErrShortResponse = errors.New("ledger: response too short")
	ErrDataTooLong   = errors.New("ledger: apdu data longer than 255 bytes")
)

// APDU is a command sent to the device
type APDU struct {
	CLA, INS, P1, P2 byte
	Data             []byte
}

// Encode serializes the command. Data is limited to 255 bytes.
func (a APDU) Encode() ([]byte, error) {
	if len(a.Data) > 0xff {
		return nil, ErrDataTooLong
	}
	out := make([]byte, 5+len(a.Data))
	out[0], out[1], out[2], out[3] = a.CLA, a.INS, a.P1, a.P2
	out[4] = byte(len(a.Data))
	copy(out[5:], a.Data)
	return out, nil
}

// DecodeAPDU parses a serialized command
func DecodeAPDU(b []byte) (APDU, error) {
	if len(b) < 4 {
		return APDU{}, ErrShortResponse
	}
	a := APDU{CLA: b[0], INS: b[1], P1: b[2], P2: b[3]}
	if len(b) > 4 {
		n := int(b[4])
		if len(b) != 5+n {
			return APDU{}, StatusError(SWWrongLength)
		}
		a.Data = b[5:]
	}
	return a, nil
}

// SplitStatus separates the response data from its trailing status word
func SplitStatus(resp []byte) ([]byte, uint16, error) {
	if len(resp) < 2 {
		return nil, 0, ErrShortResponse
	}
	n := len(resp) - 2
	return resp[:n], binary.BigEndian.Uint16(resp[n:]), nil
}

// WithStatus appends a status word to response data
func WithStatus(data []byte, sw uint16) []byte {
	return binary.BigEndian.AppendUint16(append([]byte{}, data...), sw)
}
