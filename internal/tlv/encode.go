package tlv

import (
	"encoding/binary"
	"fmt"
)

// Encoder assembles frames in the sensor wire format. It exists for test
// fixtures and the synthetic stream generator; the sensor is the only real
// producer.
type Encoder struct {
	// Header supplies version, platform, frame number, time and detected object
	// count. Magic, PacketLength and TLVCount are computed by Bytes.
	Header  Header
	records [][]byte
}

// AddRaw appends a record with an arbitrary tag and value.
func (e *Encoder) AddRaw(typ Type, value []byte) {
	rec := make([]byte, RecordHeaderSize, RecordHeaderSize+len(value))
	le.PutUint32(rec[0:], uint32(typ))
	le.PutUint32(rec[4:], uint32(len(value)))
	e.records = append(e.records, append(rec, value...))
}

// Add appends a record whose value is one of the decoded value types.
func (e *Encoder) Add(typ Type, value any) error {
	b, err := EncodeValue(value)
	if err != nil {
		return fmt.Errorf("tlv: encode %s: %w", typ, err)
	}
	e.AddRaw(typ, b)
	return nil
}

// Bytes returns the complete frame.
func (e *Encoder) Bytes() []byte {
	size := HeaderSize
	for _, r := range e.records {
		size += len(r)
	}
	h := e.Header
	h.PacketLength = uint32(size)
	h.TLVCount = uint32(len(e.records))

	out := make([]byte, 0, size)
	out = append(out, Magic[:]...)
	for _, v := range []uint32{h.Version, h.PacketLength, h.Platform, h.FrameNumber, h.Time, h.DetectedObjectCount, h.TLVCount} {
		out = le.AppendUint32(out, v)
	}
	for _, r := range e.records {
		out = append(out, r...)
	}
	return out
}

// Reset drops the queued records, keeping Header.
func (e *Encoder) Reset() {
	e.records = e.records[:0]
}

// EncodeValue serialises a value type to its wire form.
func EncodeValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case SphericalCompressedPointCloud:
		b, err := binary.Append(nil, le, v.Header)
		if err != nil {
			return nil, err
		}
		if len(v.Points) == 0 {
			return b, nil
		}
		return binary.Append(b, le, v.Points)
	case TargetIndex:
		return []byte(v), nil
	case Opaque:
		return []byte(v), nil
	default:
		return binary.Append(nil, le, value)
	}
}
