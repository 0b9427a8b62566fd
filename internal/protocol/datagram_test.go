package protocol

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"falconlink/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func jpegBytes(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solidImage(w, h, c), &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func pngBytes(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(w, h, c)))
	return buf.Bytes()
}

func within(t *testing.T, want, got uint8, tolerance int) {
	t.Helper()
	diff := int(want) - int(got)
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, tolerance, "want %d got %d", want, got)
}

var cameras = NewCameraSet(models.CameraA, models.CameraB)

// reservedSep never occurs in the encoded test images
var reservedSep = []byte("|FALCON|")

func TestParseDatagram(t *testing.T) {
	dg, err := ParseDatagram([]byte("A:\xff\xd8\x00\x01"), DefaultSeparator, cameras)
	require.NoError(t, err)
	assert.Equal(t, models.CameraA, dg.Camera)
	assert.Equal(t, []byte("\xff\xd8\x00\x01"), dg.Payload)
}

func TestParseDatagramMultiByteSeparator(t *testing.T) {
	dg, err := ParseDatagram([]byte("B|FALCON|\xff:\xd8"), reservedSep, cameras)
	require.NoError(t, err)
	assert.Equal(t, models.CameraB, dg.Camera)
	assert.Equal(t, []byte("\xff:\xd8"), dg.Payload)
}

func TestParseDatagramInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		sep  []byte
		want error
	}{
		{"no separator", "Anoseparator", DefaultSeparator, ErrInvalidDatagram},
		{"two separators", "A:\xff\xd8:\x00\x01", DefaultSeparator, ErrInvalidDatagram},
		{"separator in camera and payload", "A::payload", DefaultSeparator, ErrInvalidDatagram},
		{"repeated reserved sequence", "A|FALCON|x|FALCON|y", reservedSep, ErrInvalidDatagram},
		{"empty camera", ":payload", DefaultSeparator, ErrInvalidDatagram},
		{"empty payload", "A:", DefaultSeparator, ErrInvalidDatagram},
		{"empty payload after sequence", "A|FALCON|", reservedSep, ErrInvalidDatagram},
		{"unknown camera", "C:payload", DefaultSeparator, ErrUnknownCamera},
		{"lowercase camera", "a:payload", DefaultSeparator, ErrUnknownCamera},
		{"empty datagram", "", DefaultSeparator, ErrInvalidDatagram},
		{"empty separator", "A:payload", nil, ErrInvalidDatagram},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDatagram([]byte(tt.data), tt.sep, cameras)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseDatagramRejectsJPEGContainingSeparator(t *testing.T) {
	payload := jpegBytes(t, 8, 8, color.RGBA{B: 255, A: 255})
	require.Contains(t, string(payload), ":")

	_, err := ParseDatagram(EncodeDatagram(models.CameraA, DefaultSeparator, payload), DefaultSeparator, cameras)
	assert.ErrorIs(t, err, ErrInvalidDatagram)
}

func TestDecodeFrameJPEG(t *testing.T) {
	payload := jpegBytes(t, 64, 48, color.RGBA{R: 200, G: 40, B: 30, A: 255})
	dg, err := ParseDatagram(EncodeDatagram(models.CameraB, reservedSep, payload), reservedSep, cameras)
	require.NoError(t, err)

	frame, err := DecodeFrame(dg)
	require.NoError(t, err)

	assert.Equal(t, models.CameraB, frame.Camera)
	assert.Equal(t, 64, frame.Width)
	assert.Equal(t, 48, frame.Height)
	assert.Equal(t, 3*64, frame.Stride)
	assert.Len(t, frame.Pix, 3*64*48)
	assert.Equal(t, "jpeg", frame.Format)
	assert.Equal(t, payload, frame.Encoded)

	r, g, b := frame.RGBAt(10, 10)
	within(t, 200, r, 12)
	within(t, 40, g, 12)
	within(t, 30, b, 12)
}

func TestDecodeFrameCopiesPayload(t *testing.T) {
	payload := jpegBytes(t, 8, 8, color.RGBA{G: 255, A: 255})
	dg := Datagram{Camera: models.CameraA, Payload: payload}

	frame, err := DecodeFrame(dg)
	require.NoError(t, err)

	payload[0] = 0
	assert.Equal(t, byte(0xff), frame.Encoded[0])
}

func TestDecodeFramePNG(t *testing.T) {
	payload := pngBytes(t, 5, 3, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	frame, err := DecodeFrame(Datagram{Camera: models.CameraA, Payload: payload})
	require.NoError(t, err)

	assert.Equal(t, "png", frame.Format)
	assert.Equal(t, ".png", frame.Extension())
	r, g, b := frame.RGBAt(4, 2)
	assert.Equal(t, []uint8{1, 2, 3}, []uint8{r, g, b})
}

func TestDecodeFrameGarbage(t *testing.T) {
	_, err := DecodeFrame(Datagram{Camera: models.CameraA, Payload: []byte("definitely not an image")})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeFrameLargeJPEGFitsMediaBuffer(t *testing.T) {
	payload := jpegBytes(t, 640, 480, color.RGBA{R: 90, G: 90, B: 90, A: 255})
	data := EncodeDatagram(models.CameraA, reservedSep, payload)
	require.Less(t, len(data), 65536)

	dg, err := ParseDatagram(data, reservedSep, cameras)
	require.NoError(t, err)
	frame, err := DecodeFrame(dg)
	require.NoError(t, err)
	assert.Equal(t, 640, frame.Width)
	assert.Equal(t, 480, frame.Height)
}
