package maccommand

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-ns/macserver/internal/registry"
)

func newTestHandler() *Handler {
	return New(zerolog.Nop())
}

func TestHandleLinkCheckReqRepliesWithAns(t *testing.T) {
	h := newTestHandler()
	link := &registry.Link{}

	out, err := h.Handle(link, []byte{LinkCheckReq})
	require.NoError(t, err)

	cmds, err := Parse(false, out)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, LinkCheckAns, cmds[0].CID)
	assert.Equal(t, []byte{10, 1}, cmds[0].Payload)
}

func TestHandleDevStatusAnsUpdatesLink(t *testing.T) {
	h := newTestHandler()
	link := &registry.Link{}

	out, err := h.Handle(link, []byte{DevStatusAns, 200, 0xfb})
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.True(t, link.Status.Valid)
	assert.Equal(t, uint8(200), link.Status.Battery)
	assert.Equal(t, int8(-5), link.Status.Margin)
}

func TestHandleLinkADRAnsDoesNotError(t *testing.T) {
	h := newTestHandler()
	link := &registry.Link{}

	out, err := h.Handle(link, []byte{LinkADRAns, 0x07})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHandleAcknowledgementOnlyCommandsNoOp(t *testing.T) {
	h := newTestHandler()
	link := &registry.Link{}

	out, err := h.Handle(link, []byte{RXParamSetupAns, 0x00, NewChannelAns, 0x00})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHandlePropagatesParseError(t *testing.T) {
	h := newTestHandler()
	link := &registry.Link{}

	_, err := h.Handle(link, []byte{0xff})
	assert.Error(t, err)
}
