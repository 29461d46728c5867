package wire

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Headers carrying the caller's signature on a command request.
const (
	HeaderKey        = "X-Attestor-Key"
	HeaderTimestamp  = "X-Attestor-Timestamp"
	HeaderCommitment = "X-Attestor-Commitment"
	HeaderSignature  = "X-Attestor-Signature"
)

var commandDomain = []byte("attestor:command:v1")

// CommandMessage is the message a caller signs for a command request:
//
//	domain | u16 len | method | u16 len | target | i64 timestamp | blake3(body)
//
// target is the request URI, path and query.
func CommandMessage(method, target string, timestamp int64, body []byte) []byte {
	digest := blake3.Sum256(body)

	b := make([]byte, 0, len(commandDomain)+4+len(method)+len(target)+8+len(digest))
	b = append(b, commandDomain...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(method)))
	b = append(b, method...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(target)))
	b = append(b, target...)
	b = binary.BigEndian.AppendUint64(b, uint64(timestamp))

	return append(b, digest[:]...)
}
