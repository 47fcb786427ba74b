//go:build linux || darwin

package fms

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/exp/slog"
)

// NativeCodec delegates packing and parsing to the bank's shared
// library (libBriEcrLibrary.so) through dlopen/dlsym. Its output is
// byte-identical to PureCodec; any native failure falls back to the
// pure implementation so a broken library never blocks a transaction.
type NativeCodec struct {
	logger   *slog.Logger
	fallback *PureCodec

	packRequest   func(out unsafe.Pointer, req unsafe.Pointer) int32
	parseResponse func(msg unsafe.Pointer, rsp unsafe.Pointer) int32
	getVersion    func(buf unsafe.Pointer)
}

var _ Codec = (*NativeCodec)(nil)

// NewNativeCodec loads the shared library at path. It returns an error
// when the library cannot be loaded or is missing the expected symbols;
// callers are expected to fall back to NewPureCodec.
func NewNativeCodec(path string, logger *slog.Logger) (*NativeCodec, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("loading ecr library %s: %w", path, err)
	}

	c := &NativeCodec{
		logger:   logger.With(slog.String("codec", "native")),
		fallback: NewPureCodec(logger),
	}
	purego.RegisterLibFunc(&c.packRequest, lib, "ecrPackRequest")
	purego.RegisterLibFunc(&c.parseResponse, lib, "ecrParseResponse")
	purego.RegisterLibFunc(&c.getVersion, lib, "ecrGetVersion")

	c.logger.Info("ecr library loaded", slog.String("path", path), slog.String("version", c.Version()))
	return c, nil
}

// Version reports the library's own version string.
func (c *NativeCodec) Version() string {
	buf := make([]byte, 20)
	c.getVersion(unsafe.Pointer(&buf[0]))
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func (c *NativeCodec) Pack(req Request, useAmountMultiplier bool) ([]byte, error) {
	// Validation and field layout are shared with the pure codec; the
	// library receives the same 200-byte ReqData structure it defines.
	payload, err := buildRequestPayload(req)
	if err != nil {
		return nil, err
	}

	out := make([]byte, RequestFrameLen)
	n := c.packRequest(unsafe.Pointer(&out[0]), unsafe.Pointer(&payload[0]))
	if n <= 0 || int(n) > len(out) {
		c.logger.Error("native pack failed, using pure codec", slog.Int("rc", int(n)))
		return c.fallback.Pack(req, useAmountMultiplier)
	}
	return out[:n], nil
}

func (c *NativeCodec) Parse(frame []byte) (*Response, error) {
	// Frame-level validation mirrors the pure codec so both
	// implementations reject the same malformed input.
	if len(frame) < 5 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}
	if frame[0] != STX {
		return nil, fmt.Errorf("%w: first byte 0x%02X", ErrMissingSTX, frame[0])
	}
	if msgLen := int(frame[1])*100 + int(frame[2]); msgLen != ResponsePayloadLen {
		return nil, fmt.Errorf("%w: got %d", ErrUnexpectedLength, msgLen)
	}
	if len(frame) < ResponseFrameLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrFrameTooShort, len(frame), ResponseFrameLen)
	}

	msg := append([]byte(nil), frame...)
	rsp := make([]byte, ResponsePayloadLen)
	rc := c.parseResponse(unsafe.Pointer(&msg[0]), unsafe.Pointer(&rsp[0]))
	if rc != 0 {
		c.logger.Error("native parse failed, using pure codec", slog.Int("rc", int(rc)))
		return c.fallback.Parse(frame)
	}

	resp := unpackResponsePayload(rsp)
	if len(frame) > ResponseFrameLen {
		resp.Trailing = append([]byte(nil), frame[ResponseFrameLen:]...)
	}
	return resp, nil
}
