package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// pkt-line format: 4-byte hex length prefix + payload. "0000" is flush packet.

const (
	maxPktLen     = 65520
	maxPktPayload = maxPktLen - 4
)

// Side-band channels.
const (
	bandData     byte = 1
	bandProgress byte = 2
	bandError    byte = 3
)

// ErrMalformed reports a pkt-line stream that does not follow the framing rules.
var ErrMalformed = errors.New("malformed pkt-line")

func pktLine(data string) []byte {
	return pktLineBytes([]byte(data))
}

func pktLineBytes(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = fmt.Appendf(out, "%04x", len(payload)+4)
	return append(out, payload...)
}

func pktFlush() []byte {
	return []byte("0000")
}

func writePktLine(w io.Writer, data string) error {
	if len(data) > maxPktPayload {
		return fmt.Errorf("%w: payload of %d bytes", ErrMalformed, len(data))
	}
	_, err := w.Write(pktLine(data))
	return err
}

func writeFlush(w io.Writer) error {
	_, err := w.Write(pktFlush())
	return err
}

// readPktLine returns the next payload, or nil for a flush packet. An
// empty data line ("0004") is returned as a non-nil empty slice.
func readPktLine(r *bufio.Reader) ([]byte, error) {
	hexLen := make([]byte, 4)
	if _, err := io.ReadFull(r, hexLen); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length", ErrMalformed)
		}
		return nil, err
	}
	l, err := strconv.ParseUint(string(hexLen), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid length %q", ErrMalformed, hexLen)
	}
	if l == 0 {
		return nil, nil // flush packet
	}
	if l < 4 || l > maxPktLen {
		return nil, fmt.Errorf("%w: invalid length %d", ErrMalformed, l)
	}
	payload := make([]byte, l-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %w", ErrMalformed, err)
	}
	return payload, nil
}

// splitCapabilities separates "payload\x00cap1 cap2" into the payload and
// a capability set. Capabilities with values (agent=x) keep the value.
func splitCapabilities(line string) (string, map[string]string) {
	caps := map[string]string{}
	payload, raw, ok := strings.Cut(line, "\x00")
	if !ok {
		return line, caps
	}
	for _, field := range strings.Fields(raw) {
		name, value, _ := strings.Cut(field, "=")
		caps[name] = value
	}
	return payload, caps
}

// sidebandWriter frames everything written to it on one side-band channel.
type sidebandWriter struct {
	w       io.Writer
	channel byte
	max     int
}

func newSidebandWriter(w io.Writer, channel byte, large bool) *sidebandWriter {
	limit := maxPktPayload - 1
	if !large {
		limit = 1000 - 5 // side-band (not 64k) caps packets at 1000 bytes
	}
	return &sidebandWriter{w: w, channel: channel, max: limit}
}

func (s *sidebandWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), s.max)
		frame := make([]byte, 1+n)
		frame[0] = s.channel
		copy(frame[1:], p[:n])
		if _, err := s.w.Write(pktLineBytes(frame)); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// RemoteError is a message the other side sent on the error channel or
// as an "ERR" packet.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// demuxSideband copies channel 1 to data and channel 2 to progress until
// a flush packet or EOF. A channel 3 message ends the stream with a
// *RemoteError.
func demuxSideband(r *bufio.Reader, data, progress io.Writer) error {
	for {
		line, err := readPktLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if line == nil {
			return nil
		}
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case bandData:
			if _, err := data.Write(line[1:]); err != nil {
				return err
			}
		case bandProgress:
			if progress != nil {
				progress.Write(line[1:])
			}
		case bandError:
			return &RemoteError{Message: strings.TrimSpace(string(line[1:]))}
		default:
			if bytes.HasPrefix(line, []byte("ERR ")) {
				return &RemoteError{Message: strings.TrimSpace(string(line[4:]))}
			}
			return fmt.Errorf("%w: unknown side-band channel %d", ErrMalformed, line[0])
		}
	}
}
