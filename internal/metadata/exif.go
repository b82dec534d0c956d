package metadata

import (
	"bytes"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/zsefvlol/timezonemapper"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// Exif is the best-effort result of reading the embedded EXIF block.
type Exif struct {
	Exif    *entities.Exif
	GPS     *entities.GPS
	TakenAt *time.Time
}

// ExtractExif never fails; missing or unreadable EXIF yields empty fields.
func ExtractExif(raw []byte) Exif {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return Exif{}
	}

	var out Exif
	e := entities.Exif{
		Maker:        exifString(x, exif.Make),
		Model:        exifString(x, exif.Model),
		LensModel:    exifString(x, exif.LensModel),
		ExposureTime: exifFloat(x, exif.ExposureTime),
		Aperture:     exifFloat(x, exif.FNumber),
		FocalLength:  exifFloat(x, exif.FocalLength),
		ISO:          exifInt(x, exif.ISOSpeedRatings),
	}
	if e != (entities.Exif{}) {
		out.Exif = &e
	}

	if lat, lon, err := x.LatLong(); err == nil && validCoords(lat, lon) {
		out.GPS = &entities.GPS{Latitude: lat, Longitude: lon}
	}

	stamp := exifString(x, exif.DateTimeOriginal)
	if stamp == nil {
		stamp = exifString(x, exif.DateTime)
	}
	if stamp != nil {
		out.TakenAt = TakenAt(*stamp, out.GPS)
	}
	return out
}

// TakenAt interprets an EXIF wall-clock stamp in the time zone of the GPS
// position when one is known, otherwise in UTC. The result is in UTC.
func TakenAt(stamp string, gps *entities.GPS) *time.Time {
	loc := time.UTC
	if gps != nil {
		if name := timezonemapper.LatLngToTimezoneString(gps.Latitude, gps.Longitude); name != "" {
			if zone, err := time.LoadLocation(name); err == nil {
				loc = zone
			}
		}
	}

	t, err := time.ParseInLocation(exifTimeLayout, strings.TrimSpace(stamp), loc)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func validCoords(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 && (lat != 0 || lon != 0)
}

func exifString(x *exif.Exif, name exif.FieldName) *string {
	tag, err := x.Get(name)
	if err != nil {
		return nil
	}
	s, err := tag.StringVal()
	if err != nil {
		return nil
	}
	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	if s == "" {
		return nil
	}
	return &s
}

func exifFloat(x *exif.Exif, name exif.FieldName) *float64 {
	tag, err := x.Get(name)
	if err != nil {
		return nil
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return nil
	}
	f := float64(num) / float64(den)
	return &f
}

func exifInt(x *exif.Exif, name exif.FieldName) *int {
	tag, err := x.Get(name)
	if err != nil {
		return nil
	}
	v, err := tag.Int(0)
	if err != nil {
		return nil
	}
	return &v
}
