package audio

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// DefaultFrameSize is the number of samples per emitted frame.
const DefaultFrameSize = 4096

// Frame is an immutable block of 16-bit signed little-endian mono PCM.
// Data is owned by the receiver once the frame has been emitted.
type Frame struct {
	Seq  uint64
	Data []byte
}

// Samples decodes the frame payload.
func (f Frame) Samples() []int16 {
	out := make([]int16, len(f.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return out
}

// Framer accumulates float samples into fixed-size frames and quantizes each
// full frame to PCM16. Write is called from the capture thread; emission is a
// non-blocking send on a bounded channel. When the channel is full the frame
// is dropped and counted, the producer never waits on the consumer.
//
// Partial remainders are kept across Write calls and are never emitted early.
type Framer struct {
	acc   []float32
	index int
	seq   uint64
	out   chan Frame

	emitted  atomic.Uint64
	overflow atomic.Uint64
}

// NewFramer creates a framer emitting frames of frameSize samples into a
// channel with room for queue frames.
func NewFramer(frameSize, queue int) *Framer {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if queue <= 0 {
		queue = 1
	}
	return &Framer{
		acc: make([]float32, frameSize),
		out: make(chan Frame, queue),
	}
}

// Frames returns the receive side of the frame channel.
func (f *Framer) Frames() <-chan Frame {
	return f.out
}

// Write implements SampleSink.
func (f *Framer) Write(samples []float32) {
	for _, s := range samples {
		switch {
		case math.IsNaN(float64(s)):
			s = 0
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		f.acc[f.index] = s
		f.index++
		if f.index == len(f.acc) {
			f.emit()
			f.index = 0
		}
	}
}

func (f *Framer) emit() {
	data := make([]byte, len(f.acc)*2)
	for i, s := range f.acc {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(quantize(s)))
	}
	f.seq++
	select {
	case f.out <- Frame{Seq: f.seq, Data: data}:
		f.emitted.Add(1)
	default:
		f.overflow.Add(1)
	}
}

// Pending returns the number of buffered samples not yet emitted.
// It must only be called from the writing goroutine or after capture stopped.
func (f *Framer) Pending() int {
	return f.index
}

// Emitted returns how many frames were handed to the channel.
func (f *Framer) Emitted() uint64 {
	return f.emitted.Load()
}

// Overflowed returns how many frames were dropped because the channel was full.
func (f *Framer) Overflowed() uint64 {
	return f.overflow.Load()
}

// quantize maps a clamped sample to int16: negatives scale by 32768,
// non-negatives by 32767, truncating toward zero.
func quantize(s float32) int16 {
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}
