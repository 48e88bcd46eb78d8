package rdp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// maxPacketSize bounds the length prefix accepted from clients.
const maxPacketSize = 64 << 20

// maxPrefixDigits bounds how much input is read while looking for the
// length separator.
const maxPrefixDigits = 20

// ErrBadPacket is returned for input that is not a length-prefixed packet.
var ErrBadPacket = errors.New("malformed packet")

// ReadPacket reads one "<length>:<json>" packet and returns the JSON text.
func ReadPacket(r *bufio.Reader) ([]byte, error) {
	prefix := make([]byte, 0, maxPrefixDigits)
	for {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(prefix) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if c == ':' {
			break
		}
		if len(prefix) == maxPrefixDigits {
			return nil, fmt.Errorf("%w: length prefix %q... too long", ErrBadPacket, prefix)
		}
		prefix = append(prefix, c)
	}
	n, err := strconv.Atoi(string(prefix))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad length %q", ErrBadPacket, prefix)
	}
	if n > maxPacketSize {
		return nil, fmt.Errorf("%w: length %d too large", ErrBadPacket, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePacket marshals v and writes it as one packet.
func WritePacket(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+12)
	buf = strconv.AppendInt(buf, int64(len(data)), 10)
	buf = append(buf, ':')
	buf = append(buf, data...)
	_, err = w.Write(buf)
	return err
}
