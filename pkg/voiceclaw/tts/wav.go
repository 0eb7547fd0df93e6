package tts

import (
	"bytes"
	"encoding/binary"
)

// PCMToWAV wraps signed little-endian PCM samples in a WAV header.
func PCMToWAV(pcm []byte, sampleRate uint32, channels, bitsPerSample uint16) []byte {
	dataSize := uint32(len(pcm))
	byteRate := sampleRate * uint32(channels) * uint32(bitsPerSample) / 8
	blockAlign := channels * bitsPerSample / 8

	var b bytes.Buffer
	b.Grow(44 + len(pcm))
	le := func(v any) { _ = binary.Write(&b, binary.LittleEndian, v) }

	b.WriteString("RIFF")
	le(36 + dataSize)
	b.WriteString("WAVE")

	b.WriteString("fmt ")
	le(uint32(16))
	le(uint16(1)) // PCM
	le(channels)
	le(sampleRate)
	le(byteRate)
	le(blockAlign)
	le(bitsPerSample)

	b.WriteString("data")
	le(dataSize)
	b.Write(pcm)
	return b.Bytes()
}
