package entities

import "time"

// Derivatives maps a resolution label to a format token to a storage key.
// A nil or empty map means the image has not been processed.
type Derivatives map[string]map[string]string

// Keys returns every storage key recorded in the map.
func (d Derivatives) Keys() []string {
	keys := make([]string, 0, len(d)*3)
	for _, formats := range d {
		for _, key := range formats {
			keys = append(keys, key)
		}
	}
	return keys
}

type Exif struct {
	Maker        *string  `json:"maker,omitempty"`
	Model        *string  `json:"model,omitempty"`
	ExposureTime *float64 `json:"exposure_time,omitempty"`
	Aperture     *float64 `json:"aperture,omitempty"`
	ISO          *int     `json:"iso,omitempty"`
	FocalLength  *float64 `json:"focal_length,omitempty"`
	LensModel    *string  `json:"lens_model,omitempty"`
}

type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Image struct {
	ID          int64       `json:"id"`
	RawKey      string      `json:"raw_key"`
	Format      string      `json:"format"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	HasAlpha    bool        `json:"has_alpha"`
	Size        int64       `json:"size"`
	Exif        *Exif       `json:"exif,omitempty"`
	GPS         *GPS        `json:"gps,omitempty"`
	Location    *string     `json:"location,omitempty"`
	TakenAt     *time.Time  `json:"taken_at,omitempty"`
	UploadedAt  time.Time   `json:"uploaded_at"`
	Derivatives Derivatives `json:"derivatives,omitempty"`
}

// Processed reports whether the derivative layout has been recorded.
func (i Image) Processed() bool {
	return len(i.Derivatives) > 0
}

// NewImage carries the fields persisted at intake, before an id is assigned.
type NewImage struct {
	RawKey   string
	Format   string
	Width    int
	Height   int
	HasAlpha bool
	Size     int64
	Exif     *Exif
	GPS      *GPS
	Location *string
	TakenAt  *time.Time
}

// RawUpdate replaces the original of an existing image along with the
// metadata read from it. Derivatives are cleared by the store when it is
// applied.
type RawUpdate struct {
	RawKey   string
	Format   string
	Width    int
	Height   int
	HasAlpha bool
	Size     int64
	Exif     *Exif
	GPS      *GPS
	Location *string
	TakenAt  *time.Time
}

// MetaPatch edits the descriptive fields of a record. Nil fields are left
// unchanged.
type MetaPatch struct {
	Location *string    `json:"location"`
	Exif     *Exif      `json:"exif"`
	TakenAt  *time.Time `json:"taken_at"`
}

func (p MetaPatch) Empty() bool {
	return p.Location == nil && p.Exif == nil && p.TakenAt == nil
}

// IsTerminalFormat reports formats that are stored as-is and never get
// derivatives.
func IsTerminalFormat(format string) bool {
	return format == "svg" || format == "gif"
}
