package redo

import "github.com/pingcap/errors"

// ErrShortBuffer is returned by the Decode* helpers when a buffer is
// truncated mid-record.
var ErrShortBuffer = errors.New("redo: short buffer")

// MaxVarLongLen is the largest number of bytes VarLongLen ever reports, and
// the size of the slot TransactionContext reserves for a not-yet-known
// writer-relative delta (1 opcode byte + MaxVarLongLen).
const MaxVarLongLen = 9

// VarLongLen returns the number of bytes EncodeUnsignedVarLong would use to
// encode v. The encoding is a self-describing prefix scheme: the number of
// leading one-bits in the first byte (0 to 8) gives the count of additional
// bytes that follow, so any uint64 fits in at most 9 bytes.
func VarLongLen(v uint64) int {
	switch {
	case v < 1<<7:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<21:
		return 3
	case v < 1<<28:
		return 4
	case v < 1<<35:
		return 5
	case v < 1<<42:
		return 6
	case v < 1<<49:
		return 7
	case v < 1<<56:
		return 8
	default:
		return 9
	}
}

// EncodeUnsignedVarLong writes v to buf starting at pos and returns the
// position immediately after the encoded value. Caller must ensure buf has
// at least VarLongLen(v) bytes available from pos.
func EncodeUnsignedVarLong(buf []byte, pos int, v uint64) int {
	n := VarLongLen(v)
	switch n {
	case 1:
		buf[pos] = byte(v)
	case 9:
		buf[pos] = 0xff
		for i := 0; i < 8; i++ {
			buf[pos+1+i] = byte(v >> (56 - 8*i))
		}
	default:
		// n-1 leading one-bits, then a zero bit, then the high bits of v,
		// followed by (n-1) full bytes of v's low bits.
		extraBits := uint(8 - n) // bits of payload left in the first byte
		prefix := byte(0xff << (9 - n))
		hi := byte(v >> (8 * uint(n-1)))
		buf[pos] = prefix | (hi &^ (0xff << extraBits))
		for i := 0; i < n-1; i++ {
			buf[pos+1+i] = byte(v >> (8 * uint(n-2-i)))
		}
	}
	return pos + n
}

// VarLongLenFromFirstByte returns how many total bytes a varlong occupies
// given only its first byte, letting a streaming reader (one without
// random access to the whole buffer) know how many more bytes to pull
// before calling DecodeUnsignedVarLong.
func VarLongLenFromFirstByte(first byte) int {
	n := 1
	for n <= 8 && (first&(0x80>>(uint(n)-1))) != 0 {
		n++
	}
	return n
}

// DecodeUnsignedVarLong decodes a value written by EncodeUnsignedVarLong,
// returning the value and the position immediately after it.
func DecodeUnsignedVarLong(buf []byte, pos int) (uint64, int, error) {
	if pos >= len(buf) {
		return 0, pos, errors.WithStack(ErrShortBuffer)
	}
	first := buf[pos]
	n := VarLongLenFromFirstByte(first)
	if n == 1 {
		return uint64(first), pos + 1, nil
	}
	if pos+n > len(buf) {
		return 0, pos, errors.WithStack(ErrShortBuffer)
	}
	if n == 9 {
		var v uint64
		for i := 0; i < 8; i++ {
			v = v<<8 | uint64(buf[pos+1+i])
		}
		return v, pos + 9, nil
	}
	extraBits := uint(8 - n)
	v := uint64(first &^ (0xff << extraBits))
	for i := 0; i < n-1; i++ {
		v = v<<8 | uint64(buf[pos+1+i])
	}
	return v, pos + n, nil
}

// zigzag / unzigzag map a signed varlong onto the unsigned encoding above.
func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// SignedVarLongLen returns the encoded length of a signed delta.
func SignedVarLongLen(delta int64) int {
	return VarLongLen(zigzag(delta))
}

// EncodeSignedVarLong writes a signed delta (e.g. a txn id delta) at pos.
func EncodeSignedVarLong(buf []byte, pos int, delta int64) int {
	return EncodeUnsignedVarLong(buf, pos, zigzag(delta))
}

// DecodeSignedVarLong decodes a signed delta written by EncodeSignedVarLong.
func DecodeSignedVarLong(buf []byte, pos int) (int64, int, error) {
	v, next, err := DecodeUnsignedVarLong(buf, pos)
	if err != nil {
		return 0, pos, err
	}
	return unzigzag(v), next, nil
}

// EncodeUnsignedVarInt is the byte-slice-length-prefix flavor called out in
// §6 of the spec; it is the same family as EncodeUnsignedVarLong, just typed
// for a 32-bit length so callers don't need to convert.
func EncodeUnsignedVarInt(buf []byte, pos int, v int) int {
	return EncodeUnsignedVarLong(buf, pos, uint64(uint32(v)))
}

// DecodeUnsignedVarInt decodes a length written by EncodeUnsignedVarInt.
func DecodeUnsignedVarInt(buf []byte, pos int) (int, int, error) {
	v, next, err := DecodeUnsignedVarLong(buf, pos)
	if err != nil {
		return 0, pos, err
	}
	return int(uint32(v)), next, nil
}

// EncodeInt64LE writes v as 8 little-endian bytes at pos.
func EncodeInt64LE(buf []byte, pos int, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[pos+i] = byte(u >> (8 * uint(i)))
	}
}

// DecodeInt64LE reads 8 little-endian bytes at pos.
func DecodeInt64LE(buf []byte, pos int) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(buf[pos+i]) << (8 * uint(i))
	}
	return int64(u)
}

// EncodeUint32LE writes v as 4 little-endian bytes at pos.
func EncodeUint32LE(buf []byte, pos int, v uint32) {
	buf[pos] = byte(v)
	buf[pos+1] = byte(v >> 8)
	buf[pos+2] = byte(v >> 16)
	buf[pos+3] = byte(v >> 24)
}

// DecodeUint32LE reads 4 little-endian bytes at pos.
func DecodeUint32LE(buf []byte, pos int) uint32 {
	return uint32(buf[pos]) | uint32(buf[pos+1])<<8 | uint32(buf[pos+2])<<16 | uint32(buf[pos+3])<<24
}

// NonZeroHash computes the 4-byte record terminator: a hash of the writer's
// current last-seen transaction id that is never zero (a zero terminator
// would be ambiguous with a truncated stream). Mirrors the decoder's
// expectations in ReplRedoDecoder: the same txnId always yields the same
// terminator, so it is purely a self-synchronization marker, not a checksum
// of the record body.
func NonZeroHash(txnId int64) uint32 {
	h := uint64(txnId)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	v := uint32(h)
	if v == 0 {
		v = 1
	}
	return v
}
