// Package tlv decodes the binary frame format emitted on the data UART of TI
// IWR1443 mmWave sensors running the out-of-box demo firmware.
//
// A frame is a fixed 36 byte header followed by a sequence of tagged records
// (type, length, value). All multi-byte fields are little-endian and no
// checksum is carried on the wire.
package tlv

import (
	"encoding/binary"
	"errors"
	"strconv"
)

// Frame layout constants.
const (
	MagicSize        = 8  // Four 16-bit sync words
	HeaderSize       = 36 // Magic + 7 × uint32
	RecordHeaderSize = 8  // Record type + value length
)

// Magic is the sync pattern that starts every frame, the four little-endian
// words 0x0102 0x0304 0x0506 0x0708.
var Magic = [MagicSize]byte{0x02, 0x01, 0x04, 0x03, 0x06, 0x05, 0x08, 0x07}

var (
	ErrShortHeader  = errors.New("tlv: buffer shorter than frame header")
	ErrBadMagic     = errors.New("tlv: frame does not start with magic")
	ErrShortFrame   = errors.New("tlv: buffer shorter than declared packet length")
	ErrTruncated    = errors.New("tlv: record extends past end of frame")
	ErrRecordLength = errors.New("tlv: record length inconsistent with element size")
)

// Header is the fixed frame header.
type Header struct {
	Magic               [4]uint16 `json:"-"`
	Version             uint32    `json:"version"`
	PacketLength        uint32    `json:"packetLength"` // Total frame size, header included
	Platform            uint32    `json:"platform"`
	FrameNumber         uint32    `json:"frameNumber"`
	Time                uint32    `json:"time"` // Device CPU cycles at frame start
	DetectedObjectCount uint32    `json:"detectedObjectCount"`
	TLVCount            uint32    `json:"tlvCount"`
}

// Type is the record tag.
type Type uint32

const (
	TypeDetectedPoints                Type = 1
	TypeRangeProfile                  Type = 2
	TypeNoiseFloorProfile             Type = 3
	TypeAzimuthStaticHeatmap          Type = 4
	TypeRangeDopplerHeatmap           Type = 5
	TypeStatistics                    Type = 6
	TypeDetectedPointsSideInfo        Type = 7
	TypeAzimuthElevationStaticHeatmap Type = 8
	TypeTemperatureStatistics         Type = 9
	TypeSphericalCoordinates          Type = 1000
	TypeTargetList                    Type = 1010
	TypeTargetIndex                   Type = 1011
	TypeSphericalCompressedPointCloud Type = 1020
	TypePresenceDetection             Type = 1021
	TypeOccupancyStateMachineOutput   Type = 1030
)

func (t Type) String() string {
	switch t {
	case TypeDetectedPoints:
		return "DetectedPoints"
	case TypeRangeProfile:
		return "RangeProfile"
	case TypeNoiseFloorProfile:
		return "NoiseFloorProfile"
	case TypeAzimuthStaticHeatmap:
		return "AzimuthStaticHeatmap"
	case TypeRangeDopplerHeatmap:
		return "RangeDopplerHeatmap"
	case TypeStatistics:
		return "Statistics"
	case TypeDetectedPointsSideInfo:
		return "DetectedPointsSideInfo"
	case TypeAzimuthElevationStaticHeatmap:
		return "AzimuthElevationStaticHeatmap"
	case TypeTemperatureStatistics:
		return "TemperatureStatistics"
	case TypeSphericalCoordinates:
		return "SphericalCoordinates"
	case TypeTargetList:
		return "TargetList"
	case TypeTargetIndex:
		return "TargetIndex"
	case TypeSphericalCompressedPointCloud:
		return "SphericalCompressedPointCloud"
	case TypePresenceDetection:
		return "PresenceDetection"
	case TypeOccupancyStateMachineOutput:
		return "OccupancyStateMachineOutput"
	default:
		return "Unknown"
	}
}

// Frame is one decoded telemetry unit.
type Frame struct {
	Header  Header
	Records []Record
	// Err is set when the record walk stopped early because a record ran past
	// the end of the frame. Records decoded before that point are kept.
	Err error
}

// Record is one decoded TLV. Value holds one of the value types below, or
// Opaque for tags without a structured decoding. Value is nil when Err is set.
type Record struct {
	Type   Type
	Length uint32 // Value length in bytes, record header excluded
	Value  any
	Err    error
}

// DetectedPoint is a cartesian point in meters with radial velocity in m/s.
type DetectedPoint struct {
	X       float32 `json:"x"`
	Y       float32 `json:"y"`
	Z       float32 `json:"z"`
	Doppler float32 `json:"doppler"`
}

// Statistics carries the per-frame timing and CPU load counters.
type Statistics struct {
	InterFrameProcessingTime   uint32 `json:"interFrameProcessingTime"`
	TransmitOutputTime         uint32 `json:"transmitOutputTime"`
	InterFrameProcessingMargin uint32 `json:"interFrameProcessingMargin"`
	InterChirpProcessingMargin uint32 `json:"interChirpProcessingMargin"`
	ActiveFrameCPULoad         uint32 `json:"activeFrameCPULoad"`
	InterFrameCPULoad          uint32 `json:"interFrameCPULoad"`
}

// DetectedPointSideInfo is the per-point SNR and noise in 0.1 dB units.
type DetectedPointSideInfo struct {
	SNR   uint16 `json:"snr"`
	Noise uint16 `json:"noise"`
}

// TemperatureStatistics is the on-die temperature report.
type TemperatureStatistics struct {
	TempReportValid uint32 `json:"tempReportValid"`
	Time            uint32 `json:"time"`
	TmpRx0Sens      uint16 `json:"tmpRx0Sens"`
	TmpRx1Sens      uint16 `json:"tmpRx1Sens"`
	TmpRx2Sens      uint16 `json:"tmpRx2Sens"`
	TmpRx3Sens      uint16 `json:"tmpRx3Sens"`
	TmpTx0Sens      uint16 `json:"tmpTx0Sens"`
	TmpTx1Sens      uint16 `json:"tmpTx1Sens"`
	TmpTx2Sens      uint16 `json:"tmpTx2Sens"`
	TmpPmSens       uint16 `json:"tmpPmSens"`
	TmpDig0Sens     uint16 `json:"tmpDig0Sens"`
	TmpDig1Sens     uint16 `json:"tmpDig1Sens"`
}

// SphericalCoordinate is a point in range (m), azimuth and elevation (rad)
// with radial velocity in m/s.
type SphericalCoordinate struct {
	Range     float32 `json:"range"`
	Azimuth   float32 `json:"azimuth"`
	Elevation float32 `json:"elevation"`
	Doppler   float32 `json:"doppler"`
}

type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Tracked3DTarget is one entry of the group tracker target list.
type Tracked3DTarget struct {
	TrackID            float32       `json:"trackID"`
	Position           Vec3          `json:"position"`
	Velocity           Vec3          `json:"velocity"`
	Acceleration       Vec3          `json:"acceleration"`
	ErrorCovariance    [3][3]float32 `json:"errorCovariance"`
	GatingFunctionGain float32       `json:"gatingFunctionGain"`
	ConfidenceLevel    float32       `json:"confidenceLevel"`
}

// SphericalCompressedPointCloudHeader holds the scale applied to every
// compressed point field.
type SphericalCompressedPointCloudHeader struct {
	ElevationUnit float32 `json:"elevationUnit"`
	AzimuthUnit   float32 `json:"azimuthUnit"`
	DopplerUnit   float32 `json:"dopplerUnit"`
	RangeUnit     float32 `json:"rangeUnit"`
	SNRUnit       float32 `json:"snrUnit"`
}

type SphericalCompressedPoint struct {
	Elevation int8   `json:"elevation"`
	Azimuth   int8   `json:"azimuth"`
	Doppler   int16  `json:"doppler"`
	Range     uint16 `json:"range"`
	SNR       uint16 `json:"snr"`
}

type SphericalCompressedPointCloud struct {
	Header SphericalCompressedPointCloudHeader `json:"Header"`
	Points []SphericalCompressedPoint          `json:"Points"`
}

// TargetIndex associates each detected point of the previous frame with a
// track id. 253, 254 and 255 are reserved by the firmware for unassociated
// points.
type TargetIndex []uint8

// MarshalJSON renders the ids as numbers rather than base64.
func (t TargetIndex) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 2+len(t)*4)
	b = append(b, '[')
	for i, v := range t {
		if i != 0 {
			b = append(b, ',')
		}
		b = strconv.AppendUint(b, uint64(v), 10)
	}
	return append(b, ']'), nil
}

// Opaque is the raw value of a record without a structured decoding.
type Opaque []byte

// Element sizes on the wire.
var (
	sizeDetectedPoint    = binary.Size(DetectedPoint{})
	sizeQ9               = binary.Size(Q9(0))
	sizeStatistics       = binary.Size(Statistics{})
	sizeSideInfo         = binary.Size(DetectedPointSideInfo{})
	sizeTemperature      = binary.Size(TemperatureStatistics{})
	sizeSpherical        = binary.Size(SphericalCoordinate{})
	sizeTarget           = binary.Size(Tracked3DTarget{})
	sizeCompressedHeader = binary.Size(SphericalCompressedPointCloudHeader{})
	sizeCompressedPoint  = binary.Size(SphericalCompressedPoint{})
)
