package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// ReadWAV decodes a 16-bit PCM WAV file into normalized float32 samples.
// Stereo input is downmixed to mono.
func ReadWAV(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE file: %s", path)
	}

	var (
		channels      int
		bitsPerSample int
		pcm           []byte
	)
	// Walk the chunk list; fmt describes the stream, data carries it.
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(data) {
			chunkSize = len(data) - body
		}
		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("malformed fmt chunk in %s", path)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, fmt.Errorf("unsupported wav encoding %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+chunkSize]
		}
		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++ // chunks are word-aligned
		}
	}

	if channels == 0 || pcm == nil {
		return nil, fmt.Errorf("missing fmt or data chunk in %s", path)
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported sample width %d bits (want 16)", bitsPerSample)
	}

	frameCount := len(pcm) / (2 * channels)
	samples := make([]float32, frameCount)
	for i := 0; i < frameCount; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			raw := int16(binary.LittleEndian.Uint16(pcm[(i*channels+c)*2:]))
			sum += float64(raw) / math.MaxInt16
		}
		samples[i] = float32(sum / float64(channels))
	}
	return samples, nil
}
