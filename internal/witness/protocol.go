package witness

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Message types of the witness protocol.
const (
	msgTypeReceiptRequest = 0x01 // Controller asks for a receipt on an event
	msgTypeReceipt        = 0x02 // Witness answers with its signature
	msgTypeRejected       = 0x03 // Witness refuses the event
	msgTypeReplay         = 0x04 // Controller sends its compressed KEL
	msgTypeReplayAck      = 0x05 // Witness reports the sn it now holds
	msgTypeForward        = 0x06 // One-way: an event with the receipts gathered for it
)

// Rejection reasons.
const (
	reasonInvalid    = 0x01 // Event failed validation
	reasonOutOfOrder = 0x02 // Witness lacks earlier events of the log
	reasonNotWitness = 0x03 // Witness is not in the event's witness set
)

// Rejection is a witness's refusal to receipt an event.
type Rejection struct {
	Reason  byte   // Reason is the rejection code
	Message string // Message describes the failure
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("witness rejected event (reason %d): %s", r.Reason, r.Message)
}

// EncodeReceiptRequest encodes a receipt request.
// Format: [1B type] [event stream]
func EncodeReceiptRequest(stream []byte) []byte {
	return prefixed(msgTypeReceiptRequest, stream)
}

// EncodeReceipt encodes a receipt response.
// Format: [1B type] [64B signature]
func EncodeReceipt(sig []byte) []byte {
	return prefixed(msgTypeReceipt, sig)
}

// DecodeReceipt decodes a receipt response.
func DecodeReceipt(data []byte) ([]byte, error) {
	if len(data) != 1+ed25519.SignatureSize {
		return nil, fmt.Errorf("receipt has %d bytes, want %d", len(data), 1+ed25519.SignatureSize)
	}

	if data[0] != msgTypeReceipt {
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}

	return append([]byte(nil), data[1:]...), nil
}

// EncodeRejection encodes a rejection.
// Format: [1B type] [1B reason] [message]
func EncodeRejection(r *Rejection) []byte {
	buf := make([]byte, 2+len(r.Message))
	buf[0] = msgTypeRejected
	buf[1] = r.Reason
	copy(buf[2:], r.Message)

	return buf
}

// DecodeRejection decodes a rejection.
func DecodeRejection(data []byte) (*Rejection, error) {
	if len(data) < 2 || data[0] != msgTypeRejected {
		return nil, fmt.Errorf("invalid rejection message")
	}

	return &Rejection{Reason: data[1], Message: string(data[2:])}, nil
}

// EncodeReplay compresses a KEL stream into a replay message.
// Format: [1B type] [zstd(stream)]
func EncodeReplay(stream []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(stream, []byte{msgTypeReplay}), nil
}

// DecodeReplay decompresses a replay message into its KEL stream.
func DecodeReplay(data []byte) ([]byte, error) {
	if len(data) < 1 || data[0] != msgTypeReplay {
		return nil, fmt.Errorf("invalid replay message")
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxReplaySize))
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data[1:], nil)
}

// EncodeReplayAck encodes the sn a witness holds after a replay.
// Format: [1B type] [8B sn]
func EncodeReplayAck(sn uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = msgTypeReplayAck
	binary.BigEndian.PutUint64(buf[1:], sn)

	return buf
}

// DecodeReplayAck decodes a replay acknowledgement.
func DecodeReplayAck(data []byte) (uint64, error) {
	if len(data) != 9 || data[0] != msgTypeReplayAck {
		return 0, fmt.Errorf("invalid replay ack")
	}

	return binary.BigEndian.Uint64(data[1:]), nil
}

// EncodeForward encodes an event stream carrying receipts.
// Format: [1B type] [event stream]
func EncodeForward(stream []byte) []byte {
	return prefixed(msgTypeForward, stream)
}

// GetMessageType returns the type byte of an encoded message.
func GetMessageType(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty message")
	}

	return data[0], nil
}

// maxReplaySize caps the decompressed size of a replayed log.
const maxReplaySize = 16 << 20

func prefixed(msgType byte, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = msgType
	copy(buf[1:], payload)

	return buf
}
