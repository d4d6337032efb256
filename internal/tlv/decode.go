package tlv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

// FindMagic returns the offset of the first sync pattern in b, or -1.
func FindMagic(b []byte) int {
	return bytes.Index(b, Magic[:])
}

// ParseHeader decodes the fixed frame header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: have %d bytes, need %d", ErrShortHeader, len(b), HeaderSize)
	}
	if !bytes.Equal(b[:MagicSize], Magic[:]) {
		return h, ErrBadMagic
	}
	if _, err := binary.Decode(b[:HeaderSize], le, &h); err != nil {
		return h, fmt.Errorf("tlv: decode header: %w", err)
	}
	return h, nil
}

// Decode parses one complete frame. b must hold at least the declared packet
// length; bytes past it are ignored.
//
// Decode does not fail on record level problems. Unknown tags decode as
// Opaque, a record whose length does not fit its element size carries
// ErrRecordLength and the walk resumes after its declared length, and a record
// running past the frame end stops the walk with Frame.Err set to
// ErrTruncated. Decoded values never alias b.
func Decode(b []byte) (*Frame, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	end := int(h.PacketLength)
	if end < HeaderSize {
		return nil, fmt.Errorf("%w: declared length %d is below header size", ErrShortFrame, end)
	}
	if len(b) < end {
		return nil, fmt.Errorf("%w: have %d bytes, declared %d", ErrShortFrame, len(b), end)
	}

	// The count sizes the slice but is capped so a corrupt header can't force
	// a huge allocation; each record needs at least its own header.
	capHint := int(h.TLVCount)
	if limit := (end - HeaderSize) / RecordHeaderSize; capHint > limit {
		capHint = limit
	}

	f := &Frame{Header: h, Records: make([]Record, 0, capHint)}
	off := HeaderSize
	for i := uint32(0); i < h.TLVCount; i++ {
		if end-off < RecordHeaderSize {
			f.Err = fmt.Errorf("%w: record %d header at offset %d", ErrTruncated, i, off)
			break
		}
		typ := Type(le.Uint32(b[off:]))
		n := le.Uint32(b[off+4:])
		off += RecordHeaderSize
		if uint64(n) > uint64(end-off) {
			f.Err = fmt.Errorf("%w: record %d (%s) declares %d bytes, %d remain", ErrTruncated, i, typ, n, end-off)
			break
		}
		f.Records = append(f.Records, DecodeRecord(typ, b[off:off+int(n)]))
		off += int(n)
	}
	return f, nil
}

// DecodeRecord decodes a single record value.
func DecodeRecord(typ Type, p []byte) Record {
	rec := Record{Type: typ, Length: uint32(len(p))}
	var err error
	switch typ {
	case TypeDetectedPoints:
		rec.Value, err = decodeArray[DetectedPoint](p, sizeDetectedPoint)
	case TypeRangeProfile:
		rec.Value, err = decodeArray[Q9](p, sizeQ9)
	case TypeStatistics:
		rec.Value, err = decodeSingle[Statistics](p, sizeStatistics)
	case TypeDetectedPointsSideInfo:
		rec.Value, err = decodeArray[DetectedPointSideInfo](p, sizeSideInfo)
	case TypeTemperatureStatistics:
		rec.Value, err = decodeSingle[TemperatureStatistics](p, sizeTemperature)
	case TypeSphericalCoordinates:
		rec.Value, err = decodeArray[SphericalCoordinate](p, sizeSpherical)
	case TypeTargetList:
		rec.Value, err = decodeArray[Tracked3DTarget](p, sizeTarget)
	case TypeTargetIndex:
		rec.Value = TargetIndex(bytes.Clone(p))
	case TypeSphericalCompressedPointCloud:
		rec.Value, err = decodeCompressedPointCloud(p)
	default:
		rec.Value = Opaque(bytes.Clone(p))
	}
	if err != nil {
		rec.Value = nil
		rec.Err = fmt.Errorf("%s: %w", typ, err)
	}
	return rec
}

func decodeArray[T any](p []byte, size int) ([]T, error) {
	if len(p)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrRecordLength, len(p), size)
	}
	out := make([]T, len(p)/size)
	if len(out) == 0 {
		return out, nil
	}
	if _, err := binary.Decode(p, le, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeSingle[T any](p []byte, size int) (T, error) {
	var v T
	if len(p) != size {
		return v, fmt.Errorf("%w: %d bytes, want %d", ErrRecordLength, len(p), size)
	}
	if _, err := binary.Decode(p, le, &v); err != nil {
		return v, err
	}
	return v, nil
}

func decodeCompressedPointCloud(p []byte) (SphericalCompressedPointCloud, error) {
	var pc SphericalCompressedPointCloud
	if len(p) < sizeCompressedHeader {
		return pc, fmt.Errorf("%w: %d bytes is shorter than the %d byte unit header", ErrRecordLength, len(p), sizeCompressedHeader)
	}
	if _, err := binary.Decode(p[:sizeCompressedHeader], le, &pc.Header); err != nil {
		return pc, err
	}
	points, err := decodeArray[SphericalCompressedPoint](p[sizeCompressedHeader:], sizeCompressedPoint)
	if err != nil {
		return pc, err
	}
	pc.Points = points
	return pc, nil
}
