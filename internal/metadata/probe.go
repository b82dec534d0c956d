package metadata

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/chai2010/webp"
	"github.com/gabriel-vasile/mimetype"
	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Info is what intake learns about an upload before anything is stored.
type Info struct {
	Format   string
	MIME     string
	Width    int
	Height   int
	HasAlpha bool
	Size     int64
}

var formats = map[string]string{
	"image/jpeg":    "jpeg",
	"image/png":     "png",
	"image/webp":    "webp",
	"image/avif":    "avif",
	"image/gif":     "gif",
	"image/svg+xml": "svg",
	"image/tiff":    "tiff",
	"image/bmp":     "bmp",
}

var heif = map[string]struct{}{
	"image/heic":          {},
	"image/heif":          {},
	"image/heic-sequence": {},
	"image/heif-sequence": {},
}

// CheckDeclared rejects a client-declared HEIF/HEIC type before the body is
// inspected at all.
func CheckDeclared(mime string) error {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if _, ok := heif[mime]; ok {
		return entities.Unsupportedf("%s is not accepted", mime)
	}
	return nil
}

// Probe sniffs the real type of raw and reads its dimensions and alpha
// channel. Only the header is decoded except for formats whose header does
// not tell whether an alpha channel is present.
func Probe(raw []byte) (Info, error) {
	if len(raw) == 0 {
		return Info{}, entities.Validationf("empty upload")
	}

	mt := mimetype.Detect(raw)
	mime := mt.String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if _, ok := heif[mime]; ok {
		return Info{}, entities.Unsupportedf("%s is not accepted", mime)
	}

	format, ok := formats[mime]
	if !ok {
		return Info{}, entities.Unsupportedf("%s", mime)
	}

	info := Info{Format: format, MIME: mime, Size: int64(len(raw))}
	if format == "svg" {
		return info, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Info{}, entities.Unsupportedf("decode %s header: %v", format, err)
	}
	info.Width = cfg.Width
	info.Height = cfg.Height
	info.HasAlpha = detectAlpha(format, raw, cfg.ColorModel)
	return info, nil
}

func detectAlpha(format string, raw []byte, model color.Model) bool {
	switch format {
	case "jpeg":
		return false
	case "png", "gif":
		return modelHasAlpha(model)
	case "webp":
		_, _, alpha, err := webp.GetInfo(raw)
		return err == nil && alpha
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return modelHasAlpha(model)
	}
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return modelHasAlpha(model)
}

// modelHasAlpha treats the non-premultiplied and alpha-only models as
// carrying an alpha channel. Opaque truecolor PNGs report RGBAModel, so that
// one does not count.
func modelHasAlpha(model color.Model) bool {
	switch model {
	case color.NRGBAModel, color.NRGBA64Model, color.AlphaModel, color.Alpha16Model:
		return true
	}
	if p, ok := model.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}
