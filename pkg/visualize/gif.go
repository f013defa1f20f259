// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visualize

import (
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultFPS of the animated GIF.
	DefaultFPS = 5

	// MemoryWarningFraction of the total system memory above which FrameBuffer logs a warning.
	MemoryWarningFraction = 0.25
)

// FrameBuffer is an ordered, append-only sequence of frames, written as an animated GIF.
//
// It grows without bounds: a warning is logged (once) when its size goes over MemoryWarningFraction of the
// system memory. It is not safe for concurrent use.
type FrameBuffer struct {
	frames    []*image.Paletted
	sizeBytes uint64
	warned    bool

	// totalMemory is the system memory, or 0 if unknown.
	totalMemory uint64
}

// NewFrameBuffer creates an empty FrameBuffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{totalMemory: memory.TotalMemory()}
}

// Len returns the number of frames.
func (fb *FrameBuffer) Len() int { return len(fb.frames) }

// SizeBytes returns an estimate of the memory used by the frames.
func (fb *FrameBuffer) SizeBytes() uint64 { return fb.sizeBytes }

// Append converts img to a paletted frame and appends it.
func (fb *FrameBuffer) Append(img image.Image) {
	bounds := img.Bounds()
	frame := image.NewPaletted(bounds, palette.Plan9)
	draw.FloydSteinberg.Draw(frame, bounds, img, bounds.Min)
	fb.frames = append(fb.frames, frame)
	fb.sizeBytes += uint64(len(frame.Pix))
	if !fb.warned && fb.totalMemory > 0 && float64(fb.sizeBytes) > MemoryWarningFraction*float64(fb.totalMemory) {
		fb.warned = true
		klog.Warningf("visualize: frame buffer with %d frames is using %s, more than %.0f%% of the system memory (%s)",
			len(fb.frames), humanize.IBytes(fb.sizeBytes), 100*MemoryWarningFraction, humanize.IBytes(fb.totalMemory))
	}
}

// WriteGIF writes all frames as an animated GIF to filePath at fps frames per second, replacing any previous file.
func (fb *FrameBuffer) WriteGIF(filePath string, fps int) error {
	if len(fb.frames) == 0 {
		return errors.Errorf("visualize: no frames to write to %q", filePath)
	}
	if fps <= 0 {
		return errors.Errorf("visualize: invalid fps %d", fps)
	}
	delay := max(100/fps, 1) // In 100ths of a second.
	anim := &gif.GIF{
		Image: fb.frames,
		Delay: make([]int, len(fb.frames)),
	}
	for ii := range anim.Delay {
		anim.Delay[ii] = delay
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "visualize: failed to create directory for %q", filePath)
		}
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "visualize: failed to create %q", filePath)
	}
	if err = gif.EncodeAll(f, anim); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "visualize: failed to encode %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "visualize: failed to close %q", filePath)
	}
	return nil
}
