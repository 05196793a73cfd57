package audio

// Resample16 resamples little-endian mono PCM16 from srcRate to dstRate using
// linear interpolation. The rates are reduced by their GCD so the phase
// accumulator stays exact for rational conversions (8000 ↔ 16000 reduces to
// 1:2). The output length is srcSamples·dstRate/srcRate, truncated.
//
// If srcRate == dstRate or the input holds fewer than one sample, the input
// is returned unchanged.
func Resample16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	g := gcd(srcRate, dstRate)
	up := dstRate / g   // interpolation factor
	down := srcRate / g // decimation factor

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(up) / int64(down))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)

	// Integer phase accumulator: source position of output sample i is
	// i·down/up, tracked as srcIdx + phase/up.
	srcIdx, phase := 0, 0
	for i := range dstSamples {
		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16((int(s0)*(up-phase) + int(s1)*phase) / up)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)

		phase += down
		srcIdx += phase / up
		phase %= up
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
