package rfidcore

// CRC-A is the ISO/IEC 14443-3 Type A CRC-16: polynomial 0x1021
// reflected (0x8408), preset 0x6363, reflected input and output, no
// final XOR. Every anticollision and APDU frame that needs a CRC uses
// this one; ISO 14443 Type B's different preset is out of scope (see
// spec.md Non-goals).
const crcAPreset = 0x6363

func crcAUpdate(crc uint16, b byte) uint16 {
	crc ^= uint16(b)
	for i := 0; i < 8; i++ {
		if crc&1 != 0 {
			crc = (crc >> 1) ^ 0x8408
		} else {
			crc >>= 1
		}
	}
	return crc
}

// ComputeCRCA computes the CRC-A of data and returns it as two bytes,
// LSB first, matching the wire order ISO 14443-3 appends to a frame.
func ComputeCRCA(data []byte) [2]byte {
	crc := uint16(crcAPreset)
	for _, b := range data {
		crc = crcAUpdate(crc, b)
	}
	return [2]byte{byte(crc), byte(crc >> 8)}
}

// AppendCRCA appends the CRC-A of data to data and returns the result.
func AppendCRCA(data []byte) []byte {
	crc := ComputeCRCA(data)
	return append(append([]byte{}, data...), crc[0], crc[1])
}

// CheckCRCA reports whether the last two bytes of frame are a valid
// CRC-A over the bytes preceding them. Frames shorter than 2 bytes are
// never valid.
func CheckCRCA(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	want := ComputeCRCA(frame[:len(frame)-2])
	return frame[len(frame)-2] == want[0] && frame[len(frame)-1] == want[1]
}
