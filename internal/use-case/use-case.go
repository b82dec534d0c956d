package use_case

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/Darmau/koktohay-api/internal/geo"
	"github.com/Darmau/koktohay-api/internal/keys"
	"github.com/Darmau/koktohay-api/internal/metadata"
	"github.com/Darmau/koktohay-api/internal/processor"
	"github.com/Darmau/koktohay-api/internal/queue"
	"github.com/getsentry/sentry-go"
)

type ImageStore interface {
	Create(ctx context.Context, in entities.NewImage) (entities.Image, error)
	Get(ctx context.Context, id int64) (entities.Image, error)
	SetDerivatives(ctx context.Context, id int64, d entities.Derivatives) error
	ReplaceRaw(ctx context.Context, id int64, u entities.RawUpdate) (entities.Image, error)
	UpdateMeta(ctx context.Context, id int64, p entities.MetaPatch) (entities.Image, error)
	Delete(ctx context.Context, id int64) (entities.Image, error)
	Latest(ctx context.Context, limit, offset int) ([]entities.Image, error)
}

type ConfigProvider interface {
	GetStorageConfig(ctx context.Context) (entities.StorageConfig, error)
}

type Queue interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

type Bucket interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	DeleteMany(ctx context.Context, keys []string) error
	URL(key string) string
}

// BindFunc opens a bucket for freshly fetched settings.
type BindFunc func(ctx context.Context, cfg entities.StorageConfig) (Bucket, error)

type Generator interface {
	Generate(ctx context.Context, raw []byte, src processor.Source, name keys.Name, up processor.Uploader) (entities.Derivatives, error)
}

type Deps struct {
	Store   ImageStore
	Configs ConfigProvider
	Queue   Queue
	Bind    BindFunc
	Engine  Generator
	// Geo may be nil, then no location is looked up.
	Geo geo.Lookup
	Log *slog.Logger
}

type useCase struct {
	store   ImageStore
	configs ConfigProvider
	queue   Queue
	bind    BindFunc
	engine  Generator
	geo     geo.Lookup
	now     func() time.Time
	log     *slog.Logger
}

func New(d Deps) *useCase {
	return &useCase{
		store:   d.Store,
		configs: d.Configs,
		queue:   d.Queue,
		bind:    d.Bind,
		engine:  d.Engine,
		geo:     d.Geo,
		now:     time.Now,
		log:     d.Log.With("component", "use-case"),
	}
}

func (c *useCase) bucket(ctx context.Context) (Bucket, error) {
	cfg, err := c.configs.GetStorageConfig(ctx)
	if err != nil {
		return nil, err
	}
	return c.bind(ctx, cfg)
}

// IntakeRaw stores an upload and schedules its derivatives. Everything that
// can reject the upload runs before the first storage write.
func (c *useCase) IntakeRaw(ctx context.Context, raw []byte, declaredMime string) (entities.Image, error) {
	if err := metadata.CheckDeclared(declaredMime); err != nil {
		return entities.Image{}, err
	}
	info, err := metadata.Probe(raw)
	if err != nil {
		return entities.Image{}, err
	}

	in := entities.NewImage{
		Format:   info.Format,
		Width:    info.Width,
		Height:   info.Height,
		HasAlpha: info.HasAlpha,
		Size:     info.Size,
	}
	if !entities.IsTerminalFormat(info.Format) {
		ex := metadata.ExtractExif(raw)
		in.Exif, in.GPS, in.TakenAt = ex.Exif, ex.GPS, ex.TakenAt
		in.Location = c.locate(ctx, in.GPS)
	}

	bucket, err := c.bucket(ctx)
	if err != nil {
		return entities.Image{}, err
	}

	in.RawKey = keys.NewName(c.now()).Raw(info.Format)
	if err := bucket.Put(ctx, in.RawKey, raw); err != nil {
		return entities.Image{}, err
	}

	img, err := c.store.Create(ctx, in)
	if err != nil {
		if derr := bucket.DeleteMany(context.WithoutCancel(ctx), []string{in.RawKey}); derr != nil {
			c.log.Warn("orphaned raw object", "key", in.RawKey, "err", derr)
		}
		return entities.Image{}, err
	}

	c.log.Info("image stored", "image_id", img.ID, "key", img.RawKey, "format", img.Format)

	c.enqueue(ctx, queue.NewUploadJob(img.ID))
	return img, nil
}

// locate is best-effort: a failed lookup leaves the location empty.
func (c *useCase) locate(ctx context.Context, gps *entities.GPS) *string {
	if gps == nil || c.geo == nil {
		return nil
	}
	addr, err := c.geo.ReverseGeocode(ctx, gps.Latitude, gps.Longitude)
	if err != nil {
		c.log.Warn("reverse geocoding failed", "lat", gps.Latitude, "lon", gps.Longitude, "err", err)
		capture(ctx, err)
		return nil
	}
	return &addr
}

// enqueue logs and reports a failed enqueue; the record stays and can be
// retried by an operator.
func (c *useCase) enqueue(ctx context.Context, job queue.Job) {
	if err := c.queue.Enqueue(ctx, job); err != nil {
		c.log.Error("enqueue failed", "image_id", job.ImageID, "reason", job.Reason, "err", err)
		capture(ctx, err)
	}
}

func capture(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

func (c *useCase) EnqueueProcessing(ctx context.Context, id int64) error {
	if _, err := c.store.Get(ctx, id); err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, queue.NewUploadJob(id))
}

// Retry schedules a fresh set of attempts for an image, typically after its
// previous job failed for good.
func (c *useCase) Retry(ctx context.Context, id int64) error {
	if _, err := c.store.Get(ctx, id); err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, queue.NewRetryJob(id))
}

// UpdateMeta edits the descriptive fields of a record. A job already running
// for the image reads the record again and keeps the edit.
func (c *useCase) UpdateMeta(ctx context.Context, id int64, patch entities.MetaPatch) (entities.Image, error) {
	if patch.Empty() {
		return entities.Image{}, entities.Validationf("nothing to update")
	}
	if patch.TakenAt != nil {
		t := patch.TakenAt.UTC()
		patch.TakenAt = &t
	}
	return c.store.UpdateMeta(ctx, id, patch)
}

// ReplaceRaw swaps the original of an existing image under the same name and
// reprocesses it.
func (c *useCase) ReplaceRaw(ctx context.Context, id int64, raw []byte, declaredMime string) (entities.Image, error) {
	if err := metadata.CheckDeclared(declaredMime); err != nil {
		return entities.Image{}, err
	}
	info, err := metadata.Probe(raw)
	if err != nil {
		return entities.Image{}, err
	}

	existing, err := c.store.Get(ctx, id)
	if err != nil {
		return entities.Image{}, err
	}
	name, err := keys.Parse(existing.RawKey)
	if err != nil {
		return entities.Image{}, err
	}

	bucket, err := c.bucket(ctx)
	if err != nil {
		return entities.Image{}, err
	}

	newKey := name.Raw(info.Format)
	if err := bucket.Put(ctx, newKey, raw); err != nil {
		return entities.Image{}, err
	}

	u := entities.RawUpdate{
		RawKey:   newKey,
		Format:   info.Format,
		Width:    info.Width,
		Height:   info.Height,
		HasAlpha: info.HasAlpha,
		Size:     info.Size,
	}
	if !entities.IsTerminalFormat(info.Format) {
		ex := metadata.ExtractExif(raw)
		u.Exif, u.GPS, u.TakenAt = ex.Exif, ex.GPS, ex.TakenAt
		u.Location = c.locate(ctx, u.GPS)
	}

	img, err := c.store.ReplaceRaw(ctx, id, u)
	if err != nil {
		return entities.Image{}, err
	}

	stale := make([]string, 0, 10)
	for _, k := range keys.All(existing) {
		if k != newKey {
			stale = append(stale, k)
		}
	}
	if len(stale) > 0 {
		if err := bucket.DeleteMany(ctx, stale); err != nil {
			c.log.Warn("stale objects left behind", "image_id", id, "err", err)
		}
	}

	c.enqueue(ctx, queue.NewReplaceJob(id))
	return img, nil
}

// URLs maps each label to format → public URL.
type URLs struct {
	Raw       map[string]string `json:"raw"`
	Thumbnail map[string]string `json:"thumbnail,omitempty"`
	Small     map[string]string `json:"small,omitempty"`
	Medium    map[string]string `json:"medium,omitempty"`
	Large     map[string]string `json:"large,omitempty"`
}

func buildURLs(cfg entities.StorageConfig, img entities.Image) URLs {
	toURLs := func(formats map[string]string) map[string]string {
		if len(formats) == 0 {
			return nil
		}
		out := make(map[string]string, len(formats))
		for f, k := range formats {
			out[f] = cfg.URL(k)
		}
		return out
	}
	return URLs{
		Raw:       map[string]string{img.Format: cfg.URL(img.RawKey)},
		Thumbnail: toURLs(img.Derivatives[keys.LabelThumbnail]),
		Small:     toURLs(img.Derivatives[keys.LabelSmall]),
		Medium:    toURLs(img.Derivatives[keys.LabelMedium]),
		Large:     toURLs(img.Derivatives[keys.LabelLarge]),
	}
}

func (c *useCase) GetDerivativeUrls(ctx context.Context, id int64) (URLs, error) {
	img, err := c.store.Get(ctx, id)
	if err != nil {
		return URLs{}, err
	}
	cfg, err := c.configs.GetStorageConfig(ctx)
	if err != nil {
		return URLs{}, err
	}
	return buildURLs(cfg, img), nil
}

func (c *useCase) GetImage(ctx context.Context, id int64) (entities.Image, error) {
	return c.store.Get(ctx, id)
}

type Summary struct {
	ID       int64             `json:"id"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	Location *string           `json:"location,omitempty"`
	TakenAt  *time.Time        `json:"taken_at,omitempty"`
	Small    map[string]string `json:"small"`
}

// Latest lists the newest images with their small derivatives. Unprocessed
// images fall back to the raw URL.
func (c *useCase) Latest(ctx context.Context, limit, page int) ([]Summary, error) {
	if limit < 1 || page < 1 {
		return nil, entities.Validationf("limit and page must be positive")
	}
	imgs, err := c.store.Latest(ctx, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	cfg, err := c.configs.GetStorageConfig(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(imgs))
	for _, img := range imgs {
		u := buildURLs(cfg, img)
		small := u.Small
		if small == nil {
			small = u.Raw
		}
		out = append(out, Summary{
			ID: img.ID, Width: img.Width, Height: img.Height,
			Location: img.Location, TakenAt: img.TakenAt, Small: small,
		})
	}
	return out, nil
}

// Delete removes the stored objects first and the record only when that
// succeeded, so a failure never leaves objects without a record.
func (c *useCase) Delete(ctx context.Context, id int64) error {
	img, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	bucket, err := c.bucket(ctx)
	if err != nil {
		return err
	}
	if err := bucket.DeleteMany(ctx, keys.All(img)); err != nil {
		return err
	}
	if _, err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.log.Info("image deleted", "image_id", id)
	return nil
}

// ProcessImage is the queue handler: one attempt of generating every
// derivative of an image and recording the layout.
func (c *useCase) ProcessImage(ctx context.Context, job queue.Job) error {
	img, err := c.store.Get(ctx, job.ImageID)
	if err != nil {
		return err
	}
	if entities.IsTerminalFormat(img.Format) {
		return nil
	}

	name, err := keys.Parse(img.RawKey)
	if err != nil {
		return err
	}
	bucket, err := c.bucket(ctx)
	if err != nil {
		return err
	}
	raw, err := bucket.Get(ctx, img.RawKey)
	if err != nil {
		return storageErr(err)
	}

	d, err := c.engine.Generate(ctx, raw, processor.Source{
		Format:   img.Format,
		Width:    img.Width,
		Height:   img.Height,
		HasAlpha: img.HasAlpha,
	}, name, jobUploader{bucket})
	if err != nil {
		return fmt.Errorf("generate derivatives of %d: %w", img.ID, err)
	}
	// an abandoned attempt must not write
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.store.SetDerivatives(ctx, img.ID, d); err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			c.log.Info("image deleted while processing", "image_id", img.ID)
			if derr := bucket.DeleteMany(ctx, d.Keys()); derr != nil {
				c.log.Warn("orphaned derivatives", "image_id", img.ID, "err", derr)
			}
		}
		return err
	}
	return nil
}

// storageErr folds every object store failure inside a job into
// ErrStorageUnavailable, a missing object included, so the attempt is
// retried. Only a missing record ends a job for good.
func storageErr(err error) error {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, entities.ErrStorageUnavailable) && !errors.Is(err, entities.ErrNotFound):
		return err
	}
	return fmt.Errorf("%w: %v", entities.ErrStorageUnavailable, err)
}

type jobUploader struct{ b Bucket }

func (u jobUploader) Put(ctx context.Context, key string, payload []byte) error {
	return storageErr(u.b.Put(ctx, key, payload))
}
