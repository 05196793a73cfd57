// Package audio provides the codec boundary between the carrier's telephony
// format (G.711 μ-law at 8 kHz) and the AI provider format (16-bit linear PCM
// at 16 kHz), plus the chunking helper used by the playback pacing loop.
//
// All functions are pure and safe for concurrent use.
package audio

import (
	"errors"
	"fmt"
)

const (
	// CarrierSampleRate is the sample rate of the carrier media stream in Hz.
	CarrierSampleRate = 8000

	// AISampleRate is the sample rate expected by ASR/TTS providers in Hz.
	AISampleRate = 16000

	// ChunkDurationMs is the pacing interval for outbound media frames.
	ChunkDurationMs = 20

	// ULawChunkBytes is the size of one 20 ms μ-law frame at 8 kHz.
	ULawChunkBytes = 160

	// PCMChunkBytes is the size of one 20 ms PCM16 frame at 16 kHz.
	PCMChunkBytes = AISampleRate / 1000 * ChunkDurationMs * 2
)

// ErrNotSampleAligned is returned when a PCM16 buffer has an odd byte count.
var ErrNotSampleAligned = errors.New("audio: pcm data is not int16 sample aligned")

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawToPCM maps every μ-law byte to its linear PCM16 value. Built once at
// package init from the G.711 expansion formula.
var ulawToPCM [256]int16

func init() {
	for i := range ulawToPCM {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := ((int(mantissa) << 3) + ulawBias) << exponent
		sample -= ulawBias
		if sign != 0 {
			sample = -sample
		}
		ulawToPCM[i] = int16(sample)
	}
}

// EncodeULawSample compresses a single linear PCM16 sample to G.711 μ-law.
func EncodeULawSample(pcm int16) byte {
	sign := 0
	v := int(pcm)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exponent := 7
	for mask := 0x4000; exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeULawSample expands a single G.711 μ-law byte to linear PCM16.
func DecodeULawSample(u byte) int16 {
	return ulawToPCM[u]
}

// DecodeULaw expands a μ-law buffer to little-endian PCM16 at the same rate.
// The output is exactly twice the input length.
func DecodeULaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := ulawToPCM[u]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeULaw compresses a little-endian PCM16 buffer to μ-law at the same
// rate. Returns [ErrNotSampleAligned] if the input has an odd byte count.
func EncodeULaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: encode ulaw: %w", ErrNotSampleAligned)
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeULawSample(s)
	}
	return out, nil
}

// TelnyxToAI converts one inbound carrier frame (μ-law 8 kHz) to the provider
// format (PCM16 little-endian 16 kHz). A 160-byte carrier frame becomes a
// 640-byte provider frame.
func TelnyxToAI(ulaw []byte) []byte {
	pcm8k := DecodeULaw(ulaw)
	return Resample16(pcm8k, CarrierSampleRate, AISampleRate)
}

// AIToTelnyx converts provider audio (PCM16 little-endian 16 kHz) to one or
// more outbound carrier frames (μ-law 8 kHz). Returns [ErrNotSampleAligned]
// if the input has an odd byte count.
func AIToTelnyx(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: ai to telnyx: %w", ErrNotSampleAligned)
	}
	pcm8k := Resample16(pcm, AISampleRate, CarrierSampleRate)
	return EncodeULaw(pcm8k)
}

// ChunkForPacing splits buf into bytesPerChunk-sized slices for the pacing
// loop. The final slice may be shorter than bytesPerChunk; callers that need
// fixed-size frames must pad it. Slices alias buf — they are views, not
// copies.
func ChunkForPacing(buf []byte, bytesPerChunk int) [][]byte {
	if bytesPerChunk <= 0 || len(buf) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(buf)+bytesPerChunk-1)/bytesPerChunk)
	for off := 0; off < len(buf); off += bytesPerChunk {
		end := min(off+bytesPerChunk, len(buf))
		chunks = append(chunks, buf[off:end])
	}
	return chunks
}
