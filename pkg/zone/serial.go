package zone

// SerialCompare compares two serial numbers using RFC 1982 serial number arithmetic.
// Returns: -1 if s1 < s2, 0 if s1 == s2, 1 if s1 > s2.
func SerialCompare(s1, s2 uint32) int {
	if s1 == s2 {
		return 0
	}

	// RFC 1982 serial number arithmetic
	// s1 < s2 if:
	//   (i1 < i2 and i2 - i1 < 2^(SERIAL_BITS - 1)) or
	//   (i1 > i2 and i1 - i2 > 2^(SERIAL_BITS - 1))
	// For 32-bit serials, 2^31 = 2147483648
	const halfRange = uint32(1 << 31)

	diff := s2 - s1

	if diff < halfRange {
		return -1
	}

	return 1
}

// SerialAdd increments a serial by n per RFC 1982 Section 3.1.
// n must be below 2^31.
func SerialAdd(serial, n uint32) uint32 {
	return serial + n
}
