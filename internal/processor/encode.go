package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
)

const (
	jpegQuality = 75
	webpQuality = 80
	avifQuality = 60
	avifSpeed   = 8
)

// EncodeFunc turns a resized image into the bytes of one output format.
type EncodeFunc func(img image.Image, format string) ([]byte, error)

// Encode is the production encoder.
func Encode(img image.Image, format string) ([]byte, error) {
	buf := new(bytes.Buffer)

	var err error
	switch format {
	case "jpeg":
		err = imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality))
	case "png":
		err = imaging.Encode(buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case "webp":
		err = webp.Encode(buf, img, &webp.Options{Quality: webpQuality})
	case "avif":
		err = avif.Encode(buf, img, avif.Options{
			Quality:      avifQuality,
			QualityAlpha: avifQuality,
			Speed:        avifSpeed,
		})
	default:
		return nil, fmt.Errorf("%w: no encoder for %q", entities.ErrEncode, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", entities.ErrEncode, format, err)
	}
	return buf.Bytes(), nil
}

// resize scales img so the chosen edge equals t.Resolution, keeping the
// aspect ratio.
func resize(img image.Image, t Target) image.Image {
	b := img.Bounds()
	if t.ByWidth {
		if b.Dx() == t.Resolution {
			return img
		}
		return imaging.Resize(img, t.Resolution, 0, imaging.Lanczos)
	}
	if b.Dy() == t.Resolution {
		return img
	}
	return imaging.Resize(img, 0, t.Resolution, imaging.Lanczos)
}
