package beacon

import "encoding/binary"

// BuildPayload constructs the class-B beacon payload: rfuSize zero bytes,
// the epoch seconds as a little-endian u32, and a trailing little-endian
// CRC16-CCITT-FALSE (seed 0) over everything before it (spec.md §4.7,
// §8 scenario S6).
func BuildPayload(rfuSize int, epochSeconds uint32) []byte {
	body := make([]byte, rfuSize+4)
	binary.LittleEndian.PutUint32(body[rfuSize:], epochSeconds)

	crc := crc16CCITTFalse(body, 0)

	out := make([]byte, len(body)+2)
	copy(out, body)
	out[len(body)] = byte(crc)
	out[len(body)+1] = byte(crc >> 8)
	return out
}
