package kp184

// CRC16 calculates the Modbus CRC16 checksum (polynomial 0xA001, seed
// 0xFFFF). The result is returned in register order; see AppendCRC for
// how it goes on the wire.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if (crc & 0x0001) != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AppendCRC appends the CRC of frame. The KP184 puts the high byte first,
// unlike standard Modbus RTU.
func AppendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc>>8), byte(crc))
}

// CheckCRC verifies the trailing CRC of frame and returns the payload length.
func CheckCRC(frame []byte) (int, error) {
	if len(frame) <= 2 {
		return 0, ErrShortResponse
	}
	n := len(frame) - 2
	crc := CRC16(frame[:n])
	if frame[n] != byte(crc>>8) || frame[n+1] != byte(crc) {
		return 0, ErrCRCMismatch
	}
	return n, nil
}
