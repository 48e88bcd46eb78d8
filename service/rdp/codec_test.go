package rdp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, map[string]string{"to": "root", "type": "listTabs"}))
	require.NoError(t, WritePacket(&buf, map[string]string{"from": "root", "text": "ünïcode"}))
	require.True(t, strings.HasPrefix(buf.String(), `31:{"to":"root","type":"listTabs"}`))

	r := bufio.NewReader(&buf)
	p, err := ReadPacket(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"to":"root","type":"listTabs"}`, string(p))
	p, err = ReadPacket(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"from":"root","text":"ünïcode"}`, string(p))
	_, err = ReadPacket(r)
	require.Equal(t, io.EOF, err)
}

func TestReadPacketErrors(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want error
	}{
		{"abc:{}", ErrBadPacket},
		{"-1:{}", ErrBadPacket},
		{"999999999999:{}", ErrBadPacket},
		{"10:{}", io.ErrUnexpectedEOF},
		{"12", io.ErrUnexpectedEOF},
	} {
		_, err := ReadPacket(bufio.NewReader(strings.NewReader(tc.in)))
		require.True(t, errors.Is(err, tc.want), "%q: got %v", tc.in, err)
	}
}

func TestReadPacketLongPrefix(t *testing.T) {
	in := strings.NewReader(strings.Repeat("7", 1<<20))
	r := bufio.NewReaderSize(in, 16)
	_, err := ReadPacket(r)
	require.True(t, errors.Is(err, ErrBadPacket), "got %v", err)
	consumed := 1<<20 - in.Len() - r.Buffered()
	require.LessOrEqual(t, consumed, maxPrefixDigits+1)
}
