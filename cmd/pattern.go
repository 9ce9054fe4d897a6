package cmd

import (
	"context"
	"time"

	"avatarcam/pkg/models"
)

// frameWriter is the producer side of the region. *shm.Writer implements it.
type frameWriter interface {
	WriteFrame(pixels []byte, timestamp int64) error
}

// produceFrames writes the test pattern at fps until ctx is done and returns
// how many frames were written. Timestamps are Unix milliseconds.
func produceFrames(ctx context.Context, w frameWriter, width, height int, fps float64, format models.PixelFormat) (int, error) {
	buf := make([]byte, width*height*models.BytesPerPixel)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	n := 0
	for {
		fillPattern(buf, width, height, n, format)
		if err := w.WriteFrame(buf, time.Now().UnixMilli()); err != nil {
			return n, err
		}
		n++

		select {
		case <-ctx.Done():
			return n, nil
		case <-ticker.C:
		}
	}
}

// fillPattern draws frame n of the test pattern into buf: a diagonal colour
// gradient that scrolls one pixel per frame with a white bar sweeping across.
// Alpha is always opaque.
func fillPattern(buf []byte, width, height, n int, format models.PixelFormat) {
	barX := 0
	if width > 0 {
		barX = (n * 4) % width
	}
	barW := max(width/32, 1)

	for y := 0; y < height; y++ {
		row := buf[y*width*models.BytesPerPixel:]
		for x := 0; x < width; x++ {
			r := byte(x + n)
			g := byte(y + n)
			b := byte(x + y)
			if x >= barX && x < barX+barW {
				r, g, b = 0xFF, 0xFF, 0xFF
			}

			px := row[x*models.BytesPerPixel:]
			if format == models.PixelFormatRGBA {
				px[0], px[1], px[2] = r, g, b
			} else {
				px[0], px[1], px[2] = b, g, r
			}
			px[3] = 0xFF
		}
	}
}
