package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WAV container constants for 16-bit mono PCM.
const (
	wavHeaderSize = 44
	wavFmtPCM     = 1
	wavBitDepth   = 16
)

// EncodeWAV serializes the clip as a 16-bit mono PCM WAV file.
func EncodeWAV(c *Clip) []byte {
	data := c.Bytes()
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(data)))

	byteRate := c.SampleRate * wavBitDepth / 8

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(wavFmtPCM))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(buf, binary.LittleEndian, uint32(c.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(wavBitDepth/8)) // block align
	binary.Write(buf, binary.LittleEndian, uint16(wavBitDepth))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	return buf.Bytes()
}

// DecodeWAV parses a 16-bit mono PCM WAV file into a clip.
func DecodeWAV(data []byte) (*Clip, error) {
	r := bytes.NewReader(data)

	var riff [4]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil || string(riff[:]) != "RIFF" {
		return nil, fmt.Errorf("not a RIFF file")
	}
	r.Seek(4, io.SeekCurrent) // chunk size
	var wave [4]byte
	if _, err := io.ReadFull(r, wave[:]); err != nil || string(wave[:]) != "WAVE" {
		return nil, fmt.Errorf("not a WAVE file")
	}

	var sampleRate uint32
	var channels, bits uint16

	for {
		var id [4]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, fmt.Errorf("missing data chunk")
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("truncated chunk header: %w", err)
		}

		switch string(id[:]) {
		case "fmt ":
			var format uint16
			binary.Read(r, binary.LittleEndian, &format)
			binary.Read(r, binary.LittleEndian, &channels)
			binary.Read(r, binary.LittleEndian, &sampleRate)
			r.Seek(6, io.SeekCurrent) // byte rate + block align
			binary.Read(r, binary.LittleEndian, &bits)
			if size > 16 {
				r.Seek(int64(size-16), io.SeekCurrent)
			}
			if format != wavFmtPCM {
				return nil, fmt.Errorf("unsupported WAV format %d (want PCM)", format)
			}
			if channels != 1 || bits != wavBitDepth {
				return nil, fmt.Errorf("unsupported layout: %d channels, %d bits (want mono 16-bit)", channels, bits)
			}
		case "data":
			pcm := make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return nil, fmt.Errorf("truncated data chunk: %w", err)
			}
			return FromBytes(pcm, int(sampleRate)), nil
		default:
			// Skip unknown chunks (LIST, fact, ...)
			if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("truncated %s chunk: %w", id, err)
			}
		}
	}
}

// SaveWAV writes the clip to path, creating parent directories.
func SaveWAV(c *Clip, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return os.WriteFile(path, EncodeWAV(c), 0o644)
}

// LoadWAV reads a clip from a WAV file at path.
func LoadWAV(path string) (*Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeWAV(data)
}
