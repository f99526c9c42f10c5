package docker

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream types in the attach/exec multiplexed framing.
const (
	streamStdin  = 0
	streamStdout = 1
	streamStderr = 2
)

// demux splits a multiplexed container stream into its stdout and stderr
// writers. Each frame is an 8-byte header (1 byte stream type, 3 bytes
// padding, 4 bytes big-endian payload length) followed by the payload.
// It is used for exec output on containers running without a TTY.
func demux(r io.Reader, stdout, stderr io.Writer) error {
	var header [8]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return fmt.Errorf("truncated stream header")
			}
			return err
		}
		size := int64(binary.BigEndian.Uint32(header[4:]))
		var dst io.Writer
		switch header[0] {
		case streamStdout, streamStdin:
			dst = stdout
		case streamStderr:
			dst = stderr
		default:
			return fmt.Errorf("unknown stream type %d", header[0])
		}
		if _, err := io.CopyN(dst, r, size); err != nil {
			if err == io.EOF {
				return fmt.Errorf("truncated stream payload")
			}
			return err
		}
	}
}
