package maccommand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEncodeRoundTripUplink(t *testing.T) {
	data := []byte{
		LinkCheckReq,
		LinkADRAns, 0x07,
		DevStatusAns, 0xfe, 0x0a,
	}
	cmds, err := Parse(true, data)
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, LinkCheckReq, cmds[0].CID)
	assert.Empty(t, cmds[0].Payload)
	assert.Equal(t, LinkADRAns, cmds[1].CID)
	assert.Equal(t, []byte{0x07}, cmds[1].Payload)
	assert.Equal(t, DevStatusAns, cmds[2].CID)
	assert.Equal(t, []byte{0xfe, 0x0a}, cmds[2].Payload)

	assert.Equal(t, data, Encode(cmds))
}

func TestParseEncodeRoundTripDownlink(t *testing.T) {
	data := []byte{
		LinkADRReq, 1, 2, 3, 4,
		RXTimingSetupReq,
	}
	cmds, err := Parse(false, data)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, LinkADRReq, cmds[0].CID)
	assert.Equal(t, []byte{1, 2, 3, 4}, cmds[0].Payload)
	assert.Equal(t, RXTimingSetupReq, cmds[1].CID)
	assert.Empty(t, cmds[1].Payload)

	assert.Equal(t, data, Encode(cmds))
}

func TestParseUnknownCID(t *testing.T) {
	_, err := Parse(true, []byte{0xff})
	assert.Error(t, err)
}

func TestParseTruncatedPayload(t *testing.T) {
	_, err := Parse(true, []byte{DevStatusAns, 0x01})
	assert.Error(t, err)
}

func TestEncodeEmpty(t *testing.T) {
	assert.Empty(t, Encode(nil))
}
