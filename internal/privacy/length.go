package privacy

// The length of the last block, n mod 16, is stored in one nibble of the
// IV's second half. Bit 7 of iv[0] picks the nibble: clear means the low
// nibble, with the index byte chosen by bits 0-2 of iv[0]; set means the
// high nibble, with the index byte chosen by bits 4-6. The low 3 bits of
// the index byte select the storage byte iv[8+k].

const highNibble = 0x80

func lengthSlot(iv [IVSize]byte) (pos int, high bool) {
	where := iv[0] & 0x07
	if iv[0]&highNibble != 0 {
		high = true
		where = (iv[0] & 0x70) >> 4
	}
	return 8 + int(iv[where]&0x07), high
}

// EncodeLen stores n mod 16 in iv.
func EncodeLen(iv [IVSize]byte, n int) [IVSize]byte {
	last := byte(n & 0x0F)
	pos, high := lengthSlot(iv)
	if high {
		iv[pos] = iv[pos]&0x0F | last<<4
	} else {
		iv[pos] = iv[pos]&0xF0 | last
	}
	return iv
}

// DecodeLen recovers the value stored by EncodeLen.
func DecodeLen(iv [IVSize]byte) int {
	pos, high := lengthSlot(iv)
	if high {
		return int(iv[pos] >> 4)
	}
	return int(iv[pos] & 0x0F)
}
