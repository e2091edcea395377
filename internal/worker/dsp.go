package worker

import (
	"math"
	"time"

	"github.com/faiface/beep"
)

// Compressor parameters for normalizing field recordings, which range
// from whisper-quiet dawn choruses to clipping close-range calls.
const (
	compThresholdDB = -24.0
	compRatio       = 12.0
	compKneeDB      = 30.0
	compAttack      = 3 * time.Millisecond
	compRelease     = 250 * time.Millisecond
)

// DefaultGain is the output gain applied after compression.
const DefaultGain = 0.7

// Compressor is a downward dynamics compressor. It follows the signal
// envelope with attack/release smoothing and reduces gain above the
// threshold by the configured ratio, with a soft knee around the
// threshold.
type Compressor struct {
	Streamer beep.Streamer

	sampleRate beep.SampleRate
	attackC    float64 // per-sample smoothing coefficients
	releaseC   float64
	envDB      float64 // current envelope estimate in dB
}

// NewCompressor wraps s with the fixed compression stage.
func NewCompressor(s beep.Streamer, sr beep.SampleRate) *Compressor {
	c := &Compressor{Streamer: s, sampleRate: sr, envDB: -96}
	c.attackC = smoothingCoeff(compAttack, sr)
	c.releaseC = smoothingCoeff(compRelease, sr)
	return c
}

// smoothingCoeff converts a time constant into a one-pole smoothing
// coefficient at the given sample rate.
func smoothingCoeff(tc time.Duration, sr beep.SampleRate) float64 {
	samples := tc.Seconds() * float64(sr)
	if samples < 1 {
		return 0
	}
	return math.Exp(-1 / samples)
}

// Stream implements beep.Streamer.
func (c *Compressor) Stream(samples [][2]float64) (n int, ok bool) {
	n, ok = c.Streamer.Stream(samples)
	for i := 0; i < n; i++ {
		level := math.Max(math.Abs(samples[i][0]), math.Abs(samples[i][1]))
		levelDB := ampToDB(level)

		// Envelope follower: fast attack, slow release.
		coeff := c.releaseC
		if levelDB > c.envDB {
			coeff = c.attackC
		}
		c.envDB = coeff*c.envDB + (1-coeff)*levelDB

		reduction := gainReductionDB(c.envDB)
		if reduction < 0 {
			g := dbToAmp(reduction)
			samples[i][0] *= g
			samples[i][1] *= g
		}
	}
	return n, ok
}

// Err implements beep.Streamer.
func (c *Compressor) Err() error {
	return c.Streamer.Err()
}

// gainReductionDB returns the (negative) gain change for an input level,
// applying the soft knee around the threshold.
func gainReductionDB(inDB float64) float64 {
	over := inDB - compThresholdDB
	half := compKneeDB / 2

	switch {
	case over <= -half:
		return 0
	case over < half:
		// Quadratic interpolation inside the knee.
		t := over + half
		return (1/compRatio - 1) * t * t / (2 * compKneeDB)
	default:
		return (1/compRatio - 1) * over
	}
}

func ampToDB(a float64) float64 {
	if a <= 1e-6 {
		return -120
	}
	return 20 * math.Log10(a)
}

func dbToAmp(db float64) float64 {
	return math.Pow(10, db/20)
}
