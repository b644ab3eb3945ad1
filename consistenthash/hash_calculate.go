package consistenthash

import (
	"crypto/md5"
	"encoding/binary"
)

// Hash is the Ketama-style position generator: the MD5 digest of data is
// sliced into four big-endian uint32 ring positions, widened to
// uint64. A single MD5 call therefore yields four ring points, which is
// what makes 40 calls produce the traditional 160 virtual points per node.
func Hash(data []byte) []uint64 {
	sum := md5.Sum(data)
	return []uint64{
		uint64(binary.BigEndian.Uint32(sum[0:4])),
		uint64(binary.BigEndian.Uint32(sum[4:8])),
		uint64(binary.BigEndian.Uint32(sum[8:12])),
		uint64(binary.BigEndian.Uint32(sum[12:16])),
	}
}
