package audio

import "testing"

func TestResample16Lengths(t *testing.T) {
	tests := []struct {
		name             string
		srcRate, dstRate int
		srcSamples       int
		wantSamples      int
	}{
		{"upsample 8k to 16k", 8000, 16000, 160, 320},
		{"downsample 16k to 8k", 16000, 8000, 320, 160},
		{"identity", 16000, 16000, 320, 320},
		{"non-integer ratio", 44100, 16000, 441, 160},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Resample16(make([]byte, tt.srcSamples*2), tt.srcRate, tt.dstRate)
			if got := len(out) / 2; got != tt.wantSamples {
				t.Errorf("got %d samples, want %d", got, tt.wantSamples)
			}
		})
	}
}

func TestResample16Interpolates(t *testing.T) {
	// Two samples 0 and 1000 doubled to four: the inserted sample must lie
	// between its neighbours.
	src := []byte{0, 0, 0xE8, 0x03} // 0, 1000
	out := Resample16(src, 8000, 16000)
	if len(out) != 8 {
		t.Fatalf("got %d bytes, want 8", len(out))
	}
	mid := int16(out[2]) | int16(out[3])<<8
	if mid <= 0 || mid >= 1000 {
		t.Errorf("interpolated sample = %d, want strictly between 0 and 1000", mid)
	}
}

func TestResample16Empty(t *testing.T) {
	if out := Resample16(nil, 8000, 16000); len(out) != 0 {
		t.Errorf("Resample16(nil) returned %d bytes", len(out))
	}
}
