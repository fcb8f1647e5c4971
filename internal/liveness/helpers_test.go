package liveness_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// buildEchoReplyFromRequest parses an outgoing ICMP echo request packet
// built by Checker and constructs the corresponding echo reply, as if
// the ping target had answered it.
func buildEchoReplyFromRequest(t *testing.T, request []byte) []byte {
	t.Helper()

	hdr, err := ipv4.ParseHeader(request)
	require.NoError(t, err)

	reqMsg, err := icmp.ParseMessage(1, request[hdr.Len:])
	require.NoError(t, err)
	echo, ok := reqMsg.Body.(*icmp.Echo)
	require.True(t, ok)

	replyMsg := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{ID: echo.ID, Seq: echo.Seq, Data: echo.Data},
	}
	replyBody, err := replyMsg.Marshal(nil)
	require.NoError(t, err)

	replyHdr := &ipv4.Header{
		Version:  4,
		Len:      20,
		TotalLen: 20 + len(replyBody),
		TTL:      255,
		Protocol: 1,
		Src:      hdr.Dst,
		Dst:      hdr.Src,
	}
	replyHdrBytes, err := replyHdr.Marshal()
	require.NoError(t, err)

	return append(replyHdrBytes, replyBody...)
}
