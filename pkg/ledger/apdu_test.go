package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAPDUEncode(t *testing.T) {
	raw, err := APDU{CLA: CLA, INS: InsSign, P1: P1MoreChunks, Data: []byte{1, 2}}.Encode()
	require.NoError(t, err)
	require.Equal(t, []byte{0xe0, 0x04, 0x80, 0x00, 0x02, 1, 2}, raw)

	a, err := DecodeAPDU(raw)
	require.NoError(t, err)
	require.Equal(t, InsSign, a.INS)
	require.Equal(t, []byte{1, 2}, a.Data)

	_, err = APDU{Data: make([]byte, 256)}.Encode()
	require.ErrorIs(t, err, ErrDataTooLong)

	_, err = DecodeAPDU([]byte{0xe0, 0x04, 0, 0, 3, 1})
	require.ErrorIs(t, err, ErrWrongLength)
}

func TestStatusError(t *testing.T) {
	err := fmt.Errorf("signing: %w", StatusError(0x6985))
	require.ErrorIs(t, err, ErrUserRejected)
	require.False(t, errors.Is(err, ErrInvalidData))

	var se StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, SWUserRejected, uint16(se))
	require.Contains(t, StatusError(0x1234).Error(), "0x1234")

	data, sw, err := SplitStatus([]byte{1, 0x90, 0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{1}, data)
	require.Equal(t, SWOK, sw)

	_, _, err = SplitStatus([]byte{0x90})
	require.ErrorIs(t, err, ErrShortResponse)
}
