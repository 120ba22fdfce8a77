package message

import (
	"bytes"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-playground/errors"
)

// TimeUUID is the raw cdc$time value. Version 1 UUIDs order log rows within a
// stream; rows written in one batch share the same TimeUUID.
type TimeUUID [16]byte

// 100ns intervals between the UUID epoch (1582-10-15) and the Unix epoch.
const uuidEpochOffset = 122192928000000000

// Time extracts the embedded version 1 timestamp.
func (u TimeUUID) Time() time.Time {
	low := uint64(u[0])<<24 | uint64(u[1])<<16 | uint64(u[2])<<8 | uint64(u[3])
	mid := uint64(u[4])<<8 | uint64(u[5])
	hi := uint64(u[6]&0x0f)<<8 | uint64(u[7])
	ts := hi<<48 | mid<<32 | low
	return time.Unix(0, int64(ts-uuidEpochOffset)*100).UTC()
}

func (u TimeUUID) String() string {
	h := hex.EncodeToString(u[:])
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

// Compare orders two TimeUUIDs by their embedded timestamp, breaking ties on
// the raw bytes so the order is total.
func (u TimeUUID) Compare(other TimeUUID) int {
	ut, ot := u.Time(), other.Time()
	if ut.Before(ot) {
		return -1
	}
	if ut.After(ot) {
		return 1
	}
	return bytes.Compare(u[:], other[:])
}

// NewTimeUUID builds a version 1 UUID carrying the given timestamp. clockSeq
// disambiguates UUIDs created for the same instant.
func NewTimeUUID(t time.Time, clockSeq uint16) TimeUUID {
	ts := uint64(t.UnixNano()/100) + uuidEpochOffset

	var u TimeUUID
	low := uint32(ts & 0xffffffff)
	mid := uint16((ts >> 32) & 0xffff)
	hi := uint16((ts>>48)&0x0fff) | 0x1000

	u[0], u[1], u[2], u[3] = byte(low>>24), byte(low>>16), byte(low>>8), byte(low)
	u[4], u[5] = byte(mid>>8), byte(mid)
	u[6], u[7] = byte(hi>>8), byte(hi)
	u[8] = byte(clockSeq>>8)&0x3f | 0x80
	u[9] = byte(clockSeq)
	return u
}

// ParseTimeUUID accepts the cdc$time value in the representations common CQL
// drivers produce: 16 raw bytes, a [16]byte array or the canonical string form.
func ParseTimeUUID(v any) (TimeUUID, error) {
	var u TimeUUID
	switch t := v.(type) {
	case TimeUUID:
		return t, nil
	case [16]byte:
		return TimeUUID(t), nil
	case []byte:
		if len(t) != 16 {
			return u, errors.Newf("timeuuid must be 16 bytes, got %d", len(t))
		}
		copy(u[:], t)
		return u, nil
	case string:
		h := strings.ReplaceAll(t, "-", "")
		b, err := hex.DecodeString(h)
		if err != nil || len(b) != 16 {
			return u, errors.Newf("malformed timeuuid string %q", t)
		}
		copy(u[:], b)
		return u, nil
	default:
		return u, errors.Newf("unsupported timeuuid representation %T", v)
	}
}
