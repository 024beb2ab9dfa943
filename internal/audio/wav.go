package audio

import (
	"encoding/binary"
	"errors"

	"companion/internal/domain"
)

const wavHeaderSize = 44

// EncodeWAV wraps 16-bit little-endian PCM in a canonical RIFF/WAVE header.
func EncodeWAV(clip domain.AudioClip) ([]byte, error) {
	if clip.SampleRate <= 0 || clip.Channels <= 0 {
		return nil, errors.New("wav: sample rate and channels must be positive")
	}
	if len(clip.PCM) == 0 {
		return nil, errors.New("wav: empty clip")
	}

	const bitsPerSample = 16
	dataLen := len(clip.PCM)
	byteRate := clip.SampleRate * clip.Channels * bitsPerSample / 8
	blockAlign := clip.Channels * bitsPerSample / 8

	out := make([]byte, wavHeaderSize, wavHeaderSize+dataLen)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(clip.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(clip.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))

	return append(out, clip.PCM...), nil
}
