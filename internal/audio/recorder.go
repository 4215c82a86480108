package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder accumulates captured PCM and writes it out as a WAV file on
// Close. Appends only copy bytes into memory, so the audio loop never
// touches the disk; the file is encoded once at shutdown.
type Recorder struct {
	path   string
	format Format

	mu  sync.Mutex
	pcm []byte
}

func NewRecorder(path string, format Format) *Recorder {
	return &Recorder{path: path, format: format}
}

// Append stores a copy of one frame's PCM.
func (r *Recorder) Append(pcm []byte) {
	r.mu.Lock()
	r.pcm = append(r.pcm, pcm...)
	r.mu.Unlock()
}

// Close encodes everything appended so far into a 16-bit WAV file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	pcm := r.pcm
	r.pcm = nil
	r.mu.Unlock()

	if len(pcm) == 0 {
		return nil
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}

	file, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	defer file.Close()

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: r.format.Channels, SampleRate: r.format.SampleRate},
		Data:   samples,
	}

	enc := wav.NewEncoder(file, r.format.SampleRate, 16, r.format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
