package engine

import (
	"math"

	"github.com/go-audio/audio"
)

// DefaultPeakBuckets is the waveform resolution used when none is asked for.
const DefaultPeakBuckets = 512

// Peak is the sample range of one waveform bucket, over all channels.
type Peak struct {
	Min float32 `json:"min"`
	Max float32 `json:"max"`
}

// computePeaks reduces buf to buckets min/max pairs.
func computePeaks(buf *audio.Float32Buffer, buckets int) []Peak {
	frames := buf.NumFrames()
	if buckets <= 0 {
		buckets = DefaultPeakBuckets
	}
	buckets = min(buckets, frames)
	if buckets == 0 {
		return nil
	}
	nch := buf.Format.NumChannels
	peaks := make([]Peak, buckets)
	for b := range peaks {
		lo := b * frames / buckets
		hi := (b + 1) * frames / buckets
		p := Peak{Min: math.MaxFloat32, Max: -math.MaxFloat32}
		for _, v := range buf.Data[lo*nch : hi*nch] {
			p.Min = min(p.Min, v)
			p.Max = max(p.Max, v)
		}
		peaks[b] = p
	}
	return peaks
}
