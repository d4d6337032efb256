// Command gen-frames writes a synthetic data UART stream: frames in the
// sensor wire format separated by runs of garbage bytes. Feed the output to
// replay or to radar -replay to exercise resynchronisation without hardware.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"

	"github.com/banshee-data/mmwave/internal/monitoring"
	"github.com/banshee-data/mmwave/internal/tlv"
)

type genOptions struct {
	Frames     int
	MaxPoints  int
	MaxTargets int
	MaxGarbage int
	Seed       uint64
}

// platformIWR1443 is the platform word reported by IWR1443 firmware.
const platformIWR1443 = 0xA1443

func main() {
	var (
		out   = flag.String("o", "-", "output path, - for stdout")
		level = flag.String("log-level", "info", "log level")
		opts  genOptions
	)
	flag.IntVar(&opts.Frames, "n", 100, "number of frames")
	flag.IntVar(&opts.MaxPoints, "points", 16, "maximum detected points per frame")
	flag.IntVar(&opts.MaxTargets, "targets", 4, "maximum tracked targets per frame")
	flag.IntVar(&opts.MaxGarbage, "garbage", 32, "maximum garbage bytes between frames")
	flag.Uint64Var(&opts.Seed, "seed", 1, "random seed")
	flag.Parse()

	log, err := monitoring.NewLogger(monitoring.Options{Level: *level, Out: os.Stderr})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var w io.Writer = os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatal().Err(err).Str("path", *out).Msg("failed to create output")
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)

	n, err := generate(bw, opts)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to write stream")
	}
	log.Info().Int("frames", opts.Frames).Int64("bytes", n).Str("path", *out).Msg("stream written")
}

// generate writes opts.Frames frames to w and returns the bytes written.
// The same seed always produces the same stream.
func generate(w io.Writer, opts genOptions) (int64, error) {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9E3779B97F4A7C15))
	var (
		enc   tlv.Encoder
		total int64
	)
	enc.Header.Version = 0x01000005
	enc.Header.Platform = platformIWR1443

	for i := 0; i < opts.Frames; i++ {
		if opts.MaxGarbage > 0 {
			garbage := make([]byte, rng.IntN(opts.MaxGarbage+1))
			for j := range garbage {
				garbage[j] = byte(rng.Uint32())
			}
			n, err := w.Write(garbage)
			total += int64(n)
			if err != nil {
				return total, err
			}
		}

		enc.Reset()
		if err := addRecords(&enc, rng, i, opts); err != nil {
			return total, err
		}
		n, err := w.Write(enc.Bytes())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func addRecords(enc *tlv.Encoder, rng *rand.Rand, i int, opts genOptions) error {
	points := make([]tlv.DetectedPoint, rng.IntN(opts.MaxPoints+1))
	side := make([]tlv.DetectedPointSideInfo, len(points))
	for j := range points {
		r := 0.5 + 9.5*rng.Float64()
		az := (rng.Float64() - 0.5) * math.Pi / 2
		points[j] = tlv.DetectedPoint{
			X:       float32(r * math.Sin(az)),
			Y:       float32(r * math.Cos(az)),
			Z:       float32(rng.Float64() - 0.5),
			Doppler: float32(rng.NormFloat64()),
		}
		side[j] = tlv.DetectedPointSideInfo{SNR: uint16(50 + rng.IntN(250)), Noise: uint16(10 + rng.IntN(20))}
	}

	enc.Header.FrameNumber = uint32(i + 1)
	enc.Header.Time = uint32(i) * 40_000_000 // 200 MHz device clock at 5 fps
	enc.Header.DetectedObjectCount = uint32(len(points))

	profile := make([]tlv.Q9, 64)
	for j := range profile {
		profile[j] = tlv.NewQ9(false, uint16(rng.IntN(120)), uint16(rng.IntN(32)))
	}

	targets := make([]tlv.Tracked3DTarget, rng.IntN(opts.MaxTargets+1))
	index := make(tlv.TargetIndex, len(points))
	for j := range targets {
		targets[j] = tlv.Tracked3DTarget{
			TrackID:            float32(j),
			Position:           tlv.Vec3{X: float32(rng.Float64()*4 - 2), Y: float32(rng.Float64() * 8)},
			Velocity:           tlv.Vec3{X: float32(rng.NormFloat64() * 0.2), Y: float32(rng.NormFloat64())},
			ErrorCovariance:    [3][3]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
			GatingFunctionGain: 3,
			ConfidenceLevel:    float32(rng.Float64()),
		}
	}
	for j := range index {
		if len(targets) == 0 {
			index[j] = 255
			continue
		}
		index[j] = uint8(rng.IntN(len(targets)))
	}

	records := []struct {
		typ   tlv.Type
		value any
	}{
		{tlv.TypeDetectedPoints, points},
		{tlv.TypeRangeProfile, profile},
		{tlv.TypeStatistics, tlv.Statistics{
			InterFrameProcessingTime: uint32(5000 + rng.IntN(1000)),
			TransmitOutputTime:       uint32(800 + rng.IntN(200)),
			ActiveFrameCPULoad:       uint32(rng.IntN(100)),
			InterFrameCPULoad:        uint32(rng.IntN(100)),
		}},
		{tlv.TypeDetectedPointsSideInfo, side},
		{tlv.TypeTemperatureStatistics, tlv.TemperatureStatistics{
			Time:       uint32(i) * 200,
			TmpRx0Sens: uint16(40 + rng.IntN(5)),
			TmpTx0Sens: uint16(42 + rng.IntN(5)),
			TmpPmSens:  uint16(45 + rng.IntN(5)),
		}},
		{tlv.TypeTargetList, targets},
		{tlv.TypeTargetIndex, index},
	}
	for _, r := range records {
		if err := enc.Add(r.typ, r.value); err != nil {
			return err
		}
	}
	return nil
}
