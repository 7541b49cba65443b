package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds one message. A compressed log replay is the largest
// payload exchanged with witnesses.
const maxFrameSize = 8 << 20 // 8 MB

// writeMessage writes data as one frame: a 4-byte big-endian length followed
// by the payload, in a single write.
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(data), maxFrameSize)
	}

	frame := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(data)), uint32(len(data)))
	frame = append(frame, data...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readMessage reads one frame written by writeMessage.
func readMessage(r io.Reader) ([]byte, error) {
	var header [4]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header:\n%w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", size, maxFrameSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame payload:\n%w", err)
	}

	return data, nil
}
