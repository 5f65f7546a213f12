package capture

// mulawSilence is the μ-law encoding of a zero sample.
const mulawSilence = 0xFF

// linearToMulaw converts a 16-bit signed PCM sample to μ-law encoding.
func linearToMulaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		if sample == -32768 {
			// Negating the int16 minimum overflows back to itself.
			sample = -32767
		}
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exp := 7
	for mask := int16(0x4000); exp > 0; exp-- {
		if sample&mask != 0 {
			break
		}
		mask >>= 1
	}
	mantissa := (sample >> (uint(exp) + 3)) & 0x0F
	return ^(sign | byte(exp<<4) | byte(mantissa))
}

// downsampler folds an arbitrary-rate mono PCM stream down to 8kHz μ-law
// frames by decimation averaging, emitting complete 20ms frames.
type downsampler struct {
	ratio      float64
	accum      float64
	accumCount int
	out        [FrameSize]byte
	outIdx     int
	emit       func([]byte)
}

func newDownsampler(sourceRate int, emit func([]byte)) *downsampler {
	if sourceRate < targetRate {
		sourceRate = targetRate
	}
	return &downsampler{
		ratio: float64(sourceRate) / float64(targetRate),
		emit:  emit,
	}
}

// writeSample consumes one mono sample in [-1, 1].
func (d *downsampler) writeSample(mono float64) {
	d.accum += mono
	d.accumCount++
	if float64(d.accumCount) < d.ratio {
		return
	}

	avg := d.accum / float64(d.accumCount)
	if avg > 1.0 {
		avg = 1.0
	} else if avg < -1.0 {
		avg = -1.0
	}
	d.out[d.outIdx] = linearToMulaw(int16(avg * 32767.0))
	d.outIdx++
	d.accum = 0
	d.accumCount = 0

	if d.outIdx >= FrameSize {
		frame := make([]byte, FrameSize)
		copy(frame, d.out[:])
		d.emit(frame)
		d.outIdx = 0
	}
}

// writeSilence advances the frame clock without touching the accumulator,
// for capture buffers flagged silent by the driver.
func (d *downsampler) writeSilence(samples int) {
	for i := 0; i < samples; i++ {
		d.accumCount++
		if float64(d.accumCount) < d.ratio {
			continue
		}
		d.out[d.outIdx] = mulawSilence
		d.outIdx++
		d.accumCount = 0
		if d.outIdx >= FrameSize {
			frame := make([]byte, FrameSize)
			copy(frame, d.out[:])
			d.emit(frame)
			d.outIdx = 0
		}
	}
}
