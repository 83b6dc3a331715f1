package beacon

// crc16CCITTFalse computes the CRC used by the beacon payload: polynomial
// 0x1021, MSB-first, no reflection, no final XOR, starting from seed
// (spec.md §8 scenario S6: "CRC16-CCITT-FALSE seed 0, poly 0x1021"). No
// crc16 library exists anywhere in this corpus, so this is a small,
// deterministic hand implementation.
func crc16CCITTFalse(data []byte, seed uint16) uint16 {
	crc := seed
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
