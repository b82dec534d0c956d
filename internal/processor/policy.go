package processor

import (
	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/Darmau/koktohay-api/internal/keys"
)

// Resolution is a named target size for the longer edge.
type Resolution struct {
	Label  string
	Target int
}

// Resolutions in the order they are produced.
var Resolutions = []Resolution{
	{Label: keys.LabelSmall, Target: 640},
	{Label: keys.LabelMedium, Target: 1280},
	{Label: keys.LabelLarge, Target: 2560},
}

var Thumbnail = Resolution{Label: keys.LabelThumbnail, Target: 160}

var (
	opaqueFormats      = []string{"jpeg", "webp", "avif"}
	transparentFormats = []string{"png", "webp", "avif"}
	thumbnailFormats   = []string{"webp"}
)

// Formats lists the output formats for a source; alpha needs a format that
// keeps transparency in place of jpeg.
func Formats(hasAlpha bool) []string {
	if hasAlpha {
		return transparentFormats
	}
	return opaqueFormats
}

type Source struct {
	Format   string
	Width    int
	Height   int
	HasAlpha bool
}

// Target is one label of the derivative matrix.
type Target struct {
	Label      string
	Resolution int
	// ByWidth is set when Resolution applies to the width.
	ByWidth bool
	Formats []string
}

type Policy struct {
	Thumbnail bool
}

// Plan returns the derivative matrix for src. Terminal formats get none.
// Sources are never upscaled.
func (p Policy) Plan(src Source) []Target {
	if entities.IsTerminalFormat(src.Format) || src.Width <= 0 || src.Height <= 0 {
		return nil
	}

	byWidth := src.Width > src.Height
	edge := src.Height
	if byWidth {
		edge = src.Width
	}

	out := make([]Target, 0, len(Resolutions)+1)
	if p.Thumbnail {
		out = append(out, Target{
			Label:      Thumbnail.Label,
			Resolution: min(Thumbnail.Target, edge),
			ByWidth:    byWidth,
			Formats:    thumbnailFormats,
		})
	}
	for _, r := range Resolutions {
		out = append(out, Target{
			Label:      r.Label,
			Resolution: min(r.Target, edge),
			ByWidth:    byWidth,
			Formats:    Formats(src.HasAlpha),
		})
	}
	return out
}

// Expected lists every key Plan implies for name.
func (p Policy) Expected(src Source, name keys.Name) entities.Derivatives {
	out := entities.Derivatives{}
	for _, t := range p.Plan(src) {
		formats := make(map[string]string, len(t.Formats))
		for _, f := range t.Formats {
			formats[f] = name.Derivative(t.Label, f)
		}
		out[t.Label] = formats
	}
	return out
}
