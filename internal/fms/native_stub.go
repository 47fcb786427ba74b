//go:build !linux && !darwin

package fms

import (
	"errors"

	"golang.org/x/exp/slog"
)

// NativeCodec is unavailable on platforms without dlopen support; the
// pure codec carries all traffic there.
type NativeCodec struct{}

func NewNativeCodec(path string, logger *slog.Logger) (*NativeCodec, error) {
	return nil, errors.New("fms: native ecr library is not supported on this platform")
}

func (c *NativeCodec) Pack(req Request, useAmountMultiplier bool) ([]byte, error) {
	return nil, errors.New("fms: native codec unavailable")
}

func (c *NativeCodec) Parse(frame []byte) (*Response, error) {
	return nil, errors.New("fms: native codec unavailable")
}
