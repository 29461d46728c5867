package oracle

import (
	"encoding/binary"

	"Attestor/internal/feed"
)

// answerDomain prefixes every signed answer message.
var answerDomain = []byte("attestor:answer:v1")

// AnswerMessage returns the bytes signers attest for an answer on a feed:
// domain | len(feedID) u16 | feedID | value | timestamp i64, big-endian.
func AnswerMessage(feedID string, a feed.Answer) []byte {
	msg := make([]byte, 0, len(answerDomain)+2+len(feedID)+feed.ValueSize+8)
	msg = append(msg, answerDomain...)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(feedID)))
	msg = append(msg, feedID...)
	msg = append(msg, a.Value[:]...)

	return binary.BigEndian.AppendUint64(msg, uint64(a.Timestamp))
}
