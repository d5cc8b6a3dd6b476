package seg

import (
	"errors"
)

// BufferWrite is one absolute write within an extent's buffer. A delta
// is an ordered list of writes; re-applying a delta is idempotent,
// which is what makes replay of a journal prefix safe to repeat.
type BufferWrite struct {
	Off  uint32
	Data []byte
}

var errBadDelta = errors.New("seg: bad delta encoding")

func EncodeWrites(buf []byte, writes []BufferWrite) []byte {
	buf = EncodeVarint(buf, uint64(len(writes)))
	for _, w := range writes {
		buf = EncodeUint32(buf, w.Off)
		buf = EncodeBytes(buf, w.Data)
	}
	return buf
}

func DecodeWrites(buf []byte) ([]BufferWrite, error) {
	buf, cnt, ok := DecodeVarint(buf)
	if !ok {
		return nil, errBadDelta
	}

	var writes []BufferWrite
	for ; cnt > 0; cnt -= 1 {
		var w BufferWrite
		buf, w.Off, ok = DecodeUint32(buf)
		if !ok {
			return nil, errBadDelta
		}
		buf, w.Data, ok = DecodeBytes(buf)
		if !ok {
			return nil, errBadDelta
		}
		writes = append(writes, w)
	}
	if len(buf) != 0 {
		return nil, errBadDelta
	}
	return writes, nil
}

// ApplyWrites applies a decoded delta to buf. Writes past the end of
// the buffer indicate a corrupt delta.
func ApplyWrites(buf []byte, writes []BufferWrite) error {
	for _, w := range writes {
		if int(w.Off)+len(w.Data) > len(buf) {
			return errBadDelta
		}
		copy(buf[w.Off:], w.Data)
	}
	return nil
}
