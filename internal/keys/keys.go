package keys

import (
	"strings"
	"time"

	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/google/uuid"
)

// Resolution labels that may appear as a key suffix.
const (
	LabelThumbnail = "thumbnail"
	LabelSmall     = "small"
	LabelMedium    = "medium"
	LabelLarge     = "large"
)

const folderLayout = "2006-01-02"

var labels = map[string]struct{}{
	LabelThumbnail: {},
	LabelSmall:     {},
	LabelMedium:    {},
	LabelLarge:     {},
}

// IsLabel reports whether s is a known resolution label.
func IsLabel(s string) bool {
	_, ok := labels[s]
	return ok
}

// Name identifies one image in the object store: a date bucket plus a
// generated file name shared by the raw key and all of its derivatives.
type Name struct {
	Folder   string
	FileName string
}

// NewName assigns a fresh name in the date bucket of now (UTC). The file
// name is never derived from the client's original file name.
func NewName(now time.Time) Name {
	return Name{
		Folder:   now.UTC().Format(folderLayout),
		FileName: uuid.NewString(),
	}
}

func (n Name) Raw(format string) string {
	return n.Folder + "/" + n.FileName + "." + format
}

func (n Name) Derivative(label, format string) string {
	return n.Folder + "/" + n.FileName + "-" + label + "." + format
}

// Parse recovers the name from a raw or derivative key. The trailing
// "-{label}" is removed only when it is a known label, so hyphens inside the
// file name of a raw key are kept.
func Parse(key string) (Name, error) {
	folder, rest, ok := strings.Cut(key, "/")
	if !ok || folder == "" || rest == "" {
		return Name{}, entities.Validationf("malformed key %q", key)
	}

	base := rest
	if dot := strings.LastIndex(rest, "."); dot > 0 {
		base = rest[:dot]
	}

	if i := strings.LastIndex(base, "-"); i >= 0 && IsLabel(base[i+1:]) {
		base = base[:i]
	}
	if base == "" {
		return Name{}, entities.Validationf("malformed key %q", key)
	}

	return Name{Folder: folder, FileName: base}, nil
}

// All lists the raw key and every recorded derivative key of an image.
func All(img entities.Image) []string {
	out := make([]string, 0, 1+len(img.Derivatives)*3)
	if img.RawKey != "" {
		out = append(out, img.RawKey)
	}
	return append(out, img.Derivatives.Keys()...)
}
