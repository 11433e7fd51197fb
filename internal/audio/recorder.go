package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

// Playback artifact formats.
const (
	FormatOgg = "ogg"
	FormatWAV = "wav"
)

// Recording is the finalized local playback artifact of a session.
type Recording struct {
	Format      string
	ContentType string
	Data        []byte
	Duration    time.Duration
}

// ErrRecorderStopped is returned by Write after Stop was called.
var ErrRecorderStopped = errors.New("audio: recorder stopped")

// encoder turns PCM16 frames into a container. Methods are called from a
// single goroutine.
type encoder interface {
	encode(pcm []byte) error
	finish() (*Recording, error)
}

// Recorder encodes frames on its own goroutine so that encoding never delays
// frame forwarding. Stop returns immediately; the artifact is finalized
// asynchronously and collected with Result.
type Recorder struct {
	in   chan []byte
	done chan struct{}

	stopOnce sync.Once
	stopped  atomic.Bool
	dropped  atomic.Uint64

	result *Recording
	err    error
}

// NewRecorder creates a recorder producing the given format.
func NewRecorder(format string, sampleRate int) (*Recorder, error) {
	var enc encoder
	switch format {
	case FormatOgg, "":
		e, err := newOggOpusEncoder(sampleRate)
		if err != nil {
			return nil, err
		}
		enc = e
	case FormatWAV:
		enc = &wavEncoder{sampleRate: sampleRate}
	default:
		return nil, fmt.Errorf("unsupported playback format %q", format)
	}

	r := &Recorder{
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go r.run(enc)
	return r, nil
}

func (r *Recorder) run(enc encoder) {
	defer close(r.done)
	for pcm := range r.in {
		if r.err != nil {
			continue
		}
		if err := enc.encode(pcm); err != nil {
			r.err = fmt.Errorf("encode playback audio: %w", err)
		}
	}
	if r.err != nil {
		return
	}
	r.result, r.err = enc.finish()
}

// Write queues a frame for encoding. It never blocks; frames arriving while
// the encoder is behind are dropped.
func (r *Recorder) Write(f Frame) error {
	if r.stopped.Load() {
		return ErrRecorderStopped
	}
	select {
	case r.in <- f.Data:
	default:
		r.dropped.Add(1)
	}
	return nil
}

// Stop ends recording and starts finalization. Safe to call more than once.
// Write must not be called concurrently with Stop.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.in)
	})
}

// Dropped returns the number of frames the encoder could not keep up with.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Result waits for finalization and returns the artifact.
func (r *Recorder) Result(ctx context.Context) (*Recording, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type wavEncoder struct {
	sampleRate int
	pcm        bytes.Buffer
}

func (e *wavEncoder) encode(pcm []byte) error {
	e.pcm.Write(pcm)
	return nil
}

func (e *wavEncoder) finish() (*Recording, error) {
	data, err := EncodeWAV(e.pcm.Bytes(), e.sampleRate)
	if err != nil {
		return nil, err
	}
	samples := e.pcm.Len() / 2
	return &Recording{
		Format:      FormatWAV,
		ContentType: "audio/wav",
		Data:        data,
		Duration:    time.Duration(samples) * time.Second / time.Duration(e.sampleRate),
	}, nil
}

// opusPacketDuration is the duration of one Opus packet. RTP timestamps for
// Opus always use a 48 kHz clock.
const (
	opusPacketDuration = 20 * time.Millisecond
	opusRTPClock       = 48000
)

type oggOpusEncoder struct {
	sampleRate int
	enc        *opus.Encoder
	ogg        *oggwriter.OggWriter
	out        bytes.Buffer

	packetSamples int
	carry         []int16
	packet        []byte

	seq       uint16
	timestamp uint32
	samples   int
}

func newOggOpusEncoder(sampleRate int) (*oggOpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	e := &oggOpusEncoder{
		sampleRate:    sampleRate,
		enc:           enc,
		packetSamples: sampleRate * int(opusPacketDuration/time.Millisecond) / 1000,
		packet:        make([]byte, 4000),
	}
	e.carry = make([]int16, 0, e.packetSamples)
	w, err := oggwriter.NewWith(&e.out, uint32(sampleRate), 1)
	if err != nil {
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}
	e.ogg = w
	return e, nil
}

func (e *oggOpusEncoder) encode(pcm []byte) error {
	for i := 0; i+1 < len(pcm); i += 2 {
		e.carry = append(e.carry, int16(binary.LittleEndian.Uint16(pcm[i:])))
		if len(e.carry) == e.packetSamples {
			if err := e.writePacket(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *oggOpusEncoder) writePacket() error {
	n, err := e.enc.Encode(e.carry, e.packet)
	if err != nil {
		return err
	}
	payload := make([]byte, n)
	copy(payload, e.packet[:n])

	e.seq++
	e.timestamp += uint32(opusRTPClock * opusPacketDuration / time.Second)
	e.samples += len(e.carry)
	e.carry = e.carry[:0]

	return e.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: e.seq,
			Timestamp:      e.timestamp,
			SSRC:           1,
		},
		Payload: payload,
	})
}

func (e *oggOpusEncoder) finish() (*Recording, error) {
	if len(e.carry) > 0 {
		// pad the last packet with silence
		for len(e.carry) < e.packetSamples {
			e.carry = append(e.carry, 0)
		}
		if err := e.writePacket(); err != nil {
			return nil, fmt.Errorf("encode final packet: %w", err)
		}
	}
	if err := e.ogg.Close(); err != nil {
		return nil, fmt.Errorf("close ogg writer: %w", err)
	}
	return &Recording{
		Format:      FormatOgg,
		ContentType: "audio/ogg",
		Data:        e.out.Bytes(),
		Duration:    time.Duration(e.samples) * time.Second / time.Duration(e.sampleRate),
	}, nil
}
