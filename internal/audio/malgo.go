package audio

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// MiniaudioDevice captures from the default input device through miniaudio.
// miniaudio converts the native device rate to the requested SampleRate, so
// samples reach the sink already at the target rate.
type MiniaudioDevice struct {
	logger *log.Logger
}

// NewMiniaudioDevice creates a capture device backed by miniaudio.
func NewMiniaudioDevice(logger *log.Logger) *MiniaudioDevice {
	return &MiniaudioDevice{logger: logger}
}

// Acquire opens and starts the default capture device.
func (d *MiniaudioDevice) Acquire(c Constraints) (Handle, error) {
	if c.Channels != 1 {
		return nil, &AcquisitionError{Kind: Unsupported, Err: fmt.Errorf("only mono capture is supported, got %d channels", c.Channels)}
	}
	if c.SampleRate <= 0 {
		return nil, &AcquisitionError{Kind: Unsupported, Err: fmt.Errorf("invalid sample rate %d", c.SampleRate)}
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		d.logger.Printf("audio: miniaudio: %s", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, &AcquisitionError{Kind: Unsupported, Err: err}
	}

	devices, err := mctx.Devices(malgo.Capture)
	if err != nil {
		freeContext(mctx)
		return nil, classifyAcquireError(err)
	}
	if len(devices) == 0 {
		freeContext(mctx)
		return nil, &AcquisitionError{Kind: NoDevice, Err: fmt.Errorf("no capture devices found")}
	}

	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		d.logger.Printf("audio: voice processing requested (aec=%t ns=%t agc=%t), relying on OS input chain",
			c.EchoCancellation, c.NoiseSuppression, c.AutoGainControl)
	}

	h := &miniaudioHandle{ctx: mctx}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(c.Channels)
	cfg.SampleRate = uint32(c.SampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: h.onData})
	if err != nil {
		freeContext(mctx)
		return nil, classifyAcquireError(err)
	}
	h.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(mctx)
		return nil, classifyAcquireError(err)
	}

	d.logger.Printf("audio: capture started (rate=%d channels=%d)", c.SampleRate, c.Channels)
	return h, nil
}

func freeContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

func classifyAcquireError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return &AcquisitionError{Kind: PermissionDenied, Err: err}
	case strings.Contains(msg, "no device"), strings.Contains(msg, "does not exist"), strings.Contains(msg, "not found"):
		return &AcquisitionError{Kind: NoDevice, Err: err}
	default:
		return &AcquisitionError{Kind: Unsupported, Err: err}
	}
}

type sinkRef struct {
	sink SampleSink
}

type miniaudioHandle struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	sink atomic.Pointer[sinkRef]

	// scratch is only touched from the device callback thread.
	scratch []float32

	closeOnce   sync.Once
	releaseOnce sync.Once
}

func (h *miniaudioHandle) onData(_, input []byte, frameCount uint32) {
	ref := h.sink.Load()
	if ref == nil {
		return
	}
	n := int(frameCount)
	if n*4 > len(input) {
		n = len(input) / 4
	}
	if cap(h.scratch) < n {
		h.scratch = make([]float32, n)
	}
	buf := h.scratch[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	ref.sink.Write(buf)
}

func (h *miniaudioHandle) Connect(sink SampleSink) error {
	if !h.sink.CompareAndSwap(nil, &sinkRef{sink: sink}) {
		return ErrSinkAttached
	}
	return nil
}

func (h *miniaudioHandle) Disconnect() {
	h.sink.Store(nil)
}

func (h *miniaudioHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.device == nil {
			return
		}
		err = h.device.Stop()
		h.device.Uninit()
	})
	return err
}

func (h *miniaudioHandle) Release() error {
	closeErr := h.Close()
	h.releaseOnce.Do(func() {
		freeContext(h.ctx)
	})
	return closeErr
}
