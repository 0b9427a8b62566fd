package protocol

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"falconlink/pkg/models"

	"github.com/pkg/errors"
)

// DefaultSeparator splits the camera id from the image bytes. Deployments
// sending raw JPEG should configure a longer reserved sequence, since JPEG
// Huffman tables routinely contain 0x3A.
var DefaultSeparator = []byte(":")

var (
	ErrInvalidDatagram = errors.New("invalid media datagram")
	ErrUnknownCamera   = errors.New("unknown camera")
	ErrDecode          = errors.New("image decode failed")
)

// CameraSet is the closed set of camera ids the client accepts
type CameraSet map[models.CameraID]struct{}

func NewCameraSet(ids ...models.CameraID) CameraSet {
	set := make(CameraSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s CameraSet) Contains(id models.CameraID) bool {
	_, ok := s[id]
	return ok
}

// Datagram is a media datagram split into its two parts. Payload aliases the
// buffer passed to ParseDatagram.
type Datagram struct {
	Camera  models.CameraID
	Payload []byte
}

// ParseDatagram splits data into camera id and image bytes. The separator
// must occur exactly once; anything else is ErrInvalidDatagram.
func ParseDatagram(data, sep []byte, cameras CameraSet) (Datagram, error) {
	if len(sep) == 0 {
		return Datagram{}, errors.Wrap(ErrInvalidDatagram, "empty separator")
	}
	switch n := bytes.Count(data, sep); {
	case n == 0:
		return Datagram{}, errors.Wrap(ErrInvalidDatagram, "no separator")
	case n > 1:
		return Datagram{}, errors.Wrapf(ErrInvalidDatagram, "%d separators", n)
	}

	i := bytes.Index(data, sep)
	if i == 0 {
		return Datagram{}, errors.Wrap(ErrInvalidDatagram, "empty camera id")
	}
	if i+len(sep) == len(data) {
		return Datagram{}, errors.Wrap(ErrInvalidDatagram, "empty payload")
	}

	camera := models.CameraID(data[:i])
	if !cameras.Contains(camera) {
		return Datagram{}, errors.Wrapf(ErrUnknownCamera, "%q", truncate(string(camera)))
	}
	return Datagram{Camera: camera, Payload: data[i+len(sep):]}, nil
}

// EncodeDatagram builds the wire form of a media datagram
func EncodeDatagram(camera models.CameraID, sep, payload []byte) []byte {
	out := make([]byte, 0, len(camera)+len(sep)+len(payload))
	out = append(out, camera...)
	out = append(out, sep...)
	return append(out, payload...)
}

// DecodeFrame decodes the datagram payload into an RGB888 frame. The encoded
// bytes are copied so the caller may reuse its receive buffer.
func DecodeFrame(dg Datagram) (*models.CameraFrame, error) {
	img, format, err := image.Decode(bytes.NewReader(dg.Payload))
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "camera %s: %v", dg.Camera, err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.Wrapf(ErrDecode, "camera %s: empty image", dg.Camera)
	}

	encoded := make([]byte, len(dg.Payload))
	copy(encoded, dg.Payload)

	pix, stride := toRGB(img)
	return &models.CameraFrame{
		Camera:     dg.Camera,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Stride:     stride,
		Pix:        pix,
		Encoded:    encoded,
		Format:     format,
		ReceivedAt: time.Now(),
	}, nil
}

func toRGB(img image.Image) ([]byte, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stride := 3 * w
	pix := make([]byte, stride*h)

	switch src := img.(type) {
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			row := pix[y*stride:]
			for x := 0; x < w; x++ {
				yi := src.YOffset(b.Min.X+x, b.Min.Y+y)
				ci := src.COffset(b.Min.X+x, b.Min.Y+y)
				r, g, bl := color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				row[3*x], row[3*x+1], row[3*x+2] = r, g, bl
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := pix[y*stride:]
			for x := 0; x < w; x++ {
				v := src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)]
				row[3*x], row[3*x+1], row[3*x+2] = v, v, v
			}
		}
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			row := pix[y*stride:]
			for x := 0; x < w; x++ {
				i := src.PixOffset(b.Min.X+x, b.Min.Y+y)
				row[3*x], row[3*x+1], row[3*x+2] = src.Pix[i], src.Pix[i+1], src.Pix[i+2]
			}
		}
	default:
		for y := 0; y < h; y++ {
			row := pix[y*stride:]
			for x := 0; x < w; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				row[3*x], row[3*x+1], row[3*x+2] = uint8(r>>8), uint8(g>>8), uint8(bl>>8)
			}
		}
	}
	return pix, stride
}
