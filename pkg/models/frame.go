package models

import "time"

// CameraFrame is one decoded image received on the media channel
type CameraFrame struct {
	Camera     CameraID  // Logical camera the datagram was tagged with
	Sequence   uint64    // Per-camera sequence number, assigned on receipt
	Width      int       // Pixel width
	Height     int       // Pixel height
	Stride     int       // Bytes per row of Pix (3 * Width)
	Pix        []byte    // RGB888, row-major
	Encoded    []byte    // Compressed bytes as received
	Format     string    // "jpeg" or "png"
	ReceivedAt time.Time // When the datagram was read
}

// RGBAt returns the pixel at x,y. Coordinates outside the frame return zeroes.
func (f *CameraFrame) RGBAt(x, y int) (r, g, b uint8) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0, 0, 0
	}
	i := y*f.Stride + x*3
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// Extension returns the file extension matching Format
func (f *CameraFrame) Extension() string {
	if f.Format == "png" {
		return ".png"
	}
	return ".jpg"
}
