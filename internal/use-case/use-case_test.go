package use_case

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/Darmau/koktohay-api/internal/logging"
	"github.com/Darmau/koktohay-api/internal/processor"
	"github.com/Darmau/koktohay-api/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	nextID int64
	images map[int64]entities.Image
}

func newMemStore() *memStore { return &memStore{images: map[int64]entities.Image{}} }

func (s *memStore) Create(_ context.Context, in entities.NewImage) (entities.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	img := entities.Image{
		ID: s.nextID, RawKey: in.RawKey, Format: in.Format, Width: in.Width, Height: in.Height,
		HasAlpha: in.HasAlpha, Size: in.Size, Exif: in.Exif, GPS: in.GPS, Location: in.Location,
		TakenAt: in.TakenAt, UploadedAt: time.Unix(s.nextID, 0),
	}
	s.images[img.ID] = img
	return img, nil
}

func (s *memStore) Get(_ context.Context, id int64) (entities.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return entities.Image{}, entities.ErrNotFound
	}
	return img, nil
}

func (s *memStore) SetDerivatives(_ context.Context, id int64, d entities.Derivatives) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return entities.ErrNotFound
	}
	img.Derivatives = d
	s.images[id] = img
	return nil
}

func (s *memStore) ReplaceRaw(_ context.Context, id int64, u entities.RawUpdate) (entities.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return entities.Image{}, entities.ErrNotFound
	}
	img.RawKey, img.Format, img.Width, img.Height, img.HasAlpha, img.Size = u.RawKey, u.Format, u.Width, u.Height, u.HasAlpha, u.Size
	img.Exif, img.GPS, img.Location, img.TakenAt = u.Exif, u.GPS, u.Location, u.TakenAt
	img.Derivatives = nil
	s.images[id] = img
	return img, nil
}

func (s *memStore) UpdateMeta(_ context.Context, id int64, p entities.MetaPatch) (entities.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return entities.Image{}, entities.ErrNotFound
	}
	if p.Location != nil {
		img.Location = p.Location
	}
	if p.Exif != nil {
		img.Exif = p.Exif
	}
	if p.TakenAt != nil {
		img.TakenAt = p.TakenAt
	}
	s.images[id] = img
	return img, nil
}

func (s *memStore) Delete(_ context.Context, id int64) (entities.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return entities.Image{}, entities.ErrNotFound
	}
	delete(s.images, id)
	return img, nil
}

func (s *memStore) Latest(_ context.Context, limit, offset int) ([]entities.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]entities.Image, 0, len(s.images))
	for _, img := range s.images {
		all = append(all, img)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}

type staticConfig struct{ cfg entities.StorageConfig }

func (s staticConfig) GetStorageConfig(context.Context) (entities.StorageConfig, error) {
	return s.cfg, nil
}

type memQueue struct {
	jobs []queue.Job
	err  error
}

func (q *memQueue) Enqueue(_ context.Context, job queue.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type memBucket struct {
	mu          sync.Mutex
	objects     map[string][]byte
	failPuts    bool
	failPutAt   int // 1-based put that fails, 0 never
	puts        int
	failDeletes bool
	cfg         entities.StorageConfig
}

func (b *memBucket) Put(_ context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.failPuts || b.puts == b.failPutAt {
		return fmt.Errorf("%w: put", entities.ErrStorageUnavailable)
	}
	b.objects[key] = payload
	return nil
}

func (b *memBucket) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[key]
	if !ok {
		return nil, entities.ErrNotFound
	}
	return v, nil
}

func (b *memBucket) DeleteMany(_ context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDeletes {
		return fmt.Errorf("%w: delete", entities.ErrStorageUnavailable)
	}
	for _, k := range keys {
		delete(b.objects, k)
	}
	return nil
}

func (b *memBucket) URL(key string) string { return b.cfg.URL(key) }

func (b *memBucket) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objects))
	for k := range b.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type failingGeo struct{ calls int }

func (g *failingGeo) ReverseGeocode(context.Context, float64, float64) (string, error) {
	g.calls++
	return "", entities.ErrLocationLookup
}

type fixture struct {
	uc     *useCase
	store  *memStore
	queue  *memQueue
	bucket *memBucket
}

var testStorage = entities.StorageConfig{
	Endpoint: "http://r2", AccessKeyID: "id", SecretKey: "secret", Bucket: "media",
	URLPrefix: "https://cdn.example.com",
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		queue:  &memQueue{},
		bucket: &memBucket{objects: map[string][]byte{}, cfg: testStorage},
	}

	engine := processor.NewEngine(processor.Policy{}, 2, logging.Discard())
	engine.Encode = func(img image.Image, format string) ([]byte, error) {
		b := img.Bounds()
		return []byte(fmt.Sprintf("%s:%dx%d", format, b.Dx(), b.Dy())), nil
	}

	f.uc = New(Deps{
		Store:   f.store,
		Configs: staticConfig{testStorage},
		Queue:   f.queue,
		Bind: func(context.Context, entities.StorageConfig) (Bucket, error) {
			return f.bucket, nil
		},
		Engine: engine,
		Log:    logging.Discard(),
	})
	f.uc.now = func() time.Time { return time.Date(2023, 8, 3, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) processor() *queue.Processor {
	return queue.NewProcessor(f.uc.ProcessImage, nil, nil, logging.Discard())
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

const svgBody = `<svg xmlns="http://www.w3.org/2000/svg" width="4" height="4"><rect width="4" height="4" fill="red"/></svg>`

func TestIntakeRaw(t *testing.T) {
	f := newFixture(t)

	img, err := f.uc.IntakeRaw(context.Background(), jpegBytes(t, 800, 600), "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, "jpeg", img.Format)
	assert.Equal(t, 800, img.Width)
	assert.Equal(t, 600, img.Height)
	assert.False(t, img.Processed())
	assert.True(t, strings.HasPrefix(img.RawKey, "2023-08-03/"))
	assert.True(t, strings.HasSuffix(img.RawKey, ".jpeg"))
	assert.Equal(t, []string{img.RawKey}, f.bucket.keys())

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, queue.NewUploadJob(img.ID), f.queue.jobs[0])
}

func TestIntakeRejectsBeforeStoring(t *testing.T) {
	tests := []struct {
		name     string
		raw      []byte
		declared string
		want     error
	}{
		{"declared heic", []byte("anything"), "image/heic", entities.ErrUnsupportedMedia},
		{"sniffed heic", []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00mif1heic"), "application/octet-stream", entities.ErrUnsupportedMedia},
		{"not an image", []byte("just some text"), "image/jpeg", entities.ErrUnsupportedMedia},
		{"empty", nil, "image/png", entities.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.uc.IntakeRaw(context.Background(), tt.raw, tt.declared)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.bucket.keys())
			assert.Empty(t, f.queue.jobs)
			assert.Empty(t, f.store.images)
		})
	}
}

func TestIntakeTerminalFormatCompletesWithoutDerivatives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.uc.IntakeRaw(ctx, []byte(svgBody), "image/svg+xml")
	require.NoError(t, err)
	assert.Equal(t, "svg", img.Format)
	assert.True(t, strings.HasSuffix(img.RawKey, ".svg"))
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, queue.NewUploadJob(img.ID), f.queue.jobs[0])

	res := f.processor().Process(ctx, f.queue.jobs[0])
	assert.Equal(t, queue.Completed, res.State)
	assert.Equal(t, 1, f.bucket.puts)
	assert.Equal(t, []string{img.RawKey}, f.bucket.keys())
}

func TestIntakeSurvivesEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("redis down")

	img, err := f.uc.IntakeRaw(context.Background(), jpegBytes(t, 10, 10), "image/jpeg")
	require.NoError(t, err)
	assert.NotZero(t, img.ID)
	assert.Contains(t, f.store.images, img.ID)
}

func TestIntakeStorageFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.bucket.failPuts = true

	_, err := f.uc.IntakeRaw(context.Background(), jpegBytes(t, 10, 10), "image/jpeg")
	assert.ErrorIs(t, err, entities.ErrStorageUnavailable)
	assert.Empty(t, f.store.images)
	assert.Empty(t, f.queue.jobs)
}

func TestLocateIsBestEffort(t *testing.T) {
	f := newFixture(t)
	g := &failingGeo{}
	f.uc.geo = g

	assert.Nil(t, f.uc.locate(context.Background(), &entities.GPS{Latitude: 1, Longitude: 2}))
	assert.Nil(t, f.uc.locate(context.Background(), nil))
	assert.Equal(t, 1, g.calls)
}

func TestProcessImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 4000, 3000), "image/jpeg")
	require.NoError(t, err)

	require.NoError(t, f.uc.ProcessImage(ctx, f.queue.jobs[0]))

	got, err := f.store.Get(ctx, img.ID)
	require.NoError(t, err)
	require.True(t, got.Processed())
	assert.Len(t, got.Derivatives.Keys(), 9)
	assert.Len(t, f.bucket.keys(), 10)

	large, err := f.bucket.Get(ctx, got.Derivatives["large"]["avif"])
	require.NoError(t, err)
	assert.Equal(t, "avif:2560x1920", string(large))

	urls, err := f.uc.GetDerivativeUrls(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/"+img.RawKey, urls.Raw["jpeg"])
	assert.Equal(t, "https://cdn.example.com/"+got.Derivatives["small"]["webp"], urls.Small["webp"])
	assert.Len(t, urls.Medium, 3)
	assert.Nil(t, urls.Thumbnail)

	// a second run overwrites the same keys
	require.NoError(t, f.uc.ProcessImage(ctx, f.queue.jobs[0]))
	again, _ := f.store.Get(ctx, img.ID)
	assert.Equal(t, got.Derivatives, again.Derivatives)
	assert.Len(t, f.bucket.keys(), 10)
}

func TestProcessImageFailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 100, 80), "image/jpeg")
	require.NoError(t, err)

	f.bucket.failPuts = true
	err = f.uc.ProcessImage(ctx, f.queue.jobs[0])
	assert.ErrorIs(t, err, entities.ErrStorageUnavailable)
	assert.True(t, entities.Retryable(err))

	got, _ := f.store.Get(ctx, img.ID)
	assert.False(t, got.Processed())
}

func TestProcessImageMissingRawIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 100, 80), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, f.bucket.DeleteMany(ctx, []string{img.RawKey}))

	res := f.processor().Process(ctx, f.queue.jobs[0])
	assert.Equal(t, queue.FailedRetryable, res.State)
	assert.ErrorIs(t, res.Err, entities.ErrStorageUnavailable)
	assert.NotErrorIs(t, res.Err, entities.ErrNotFound)
	require.NotNil(t, res.Next)
	assert.Equal(t, 1, res.Next.Attempt)

	// the original shows up again before the next attempt
	require.NoError(t, f.bucket.Put(ctx, img.RawKey, jpegBytes(t, 100, 80)))
	res = f.processor().Process(ctx, *res.Next)
	assert.Equal(t, queue.Completed, res.State)
}

func TestProcessImageRetryAfterPartialUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 4000, 3000), "image/jpeg")
	require.NoError(t, err)
	require.Equal(t, 1, f.bucket.puts)

	// the raw put was the first, so the second derivative upload fails
	f.bucket.failPutAt = 3
	res := f.processor().Process(ctx, f.queue.jobs[0])
	require.Equal(t, queue.FailedRetryable, res.State)
	assert.ErrorIs(t, res.Err, entities.ErrStorageUnavailable)
	got, _ := f.store.Get(ctx, img.ID)
	assert.False(t, got.Processed())

	res = f.processor().Process(ctx, *res.Next)
	require.Equal(t, queue.Completed, res.State)

	got, _ = f.store.Get(ctx, img.ID)
	require.Len(t, got.Derivatives.Keys(), 9)
	assert.Len(t, f.bucket.keys(), 10)
	for _, key := range got.Derivatives.Keys() {
		payload, err := f.bucket.Get(ctx, key)
		require.NoError(t, err)
		assert.NotEmpty(t, payload)
	}
}

func TestProcessImageMissingRecord(t *testing.T) {
	f := newFixture(t)
	err := f.uc.ProcessImage(context.Background(), queue.NewUploadJob(42))
	assert.ErrorIs(t, err, entities.ErrNotFound)
	assert.False(t, entities.Retryable(err))
}

func TestProcessImageTerminalFormat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.uc.IntakeRaw(ctx, []byte(svgBody), "image/svg+xml")
	require.NoError(t, err)

	require.NoError(t, f.uc.ProcessImage(ctx, queue.NewUploadJob(img.ID)))
	got, _ := f.store.Get(ctx, img.ID)
	assert.False(t, got.Processed())
	assert.Len(t, f.bucket.keys(), 1)
}

func TestRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.uc.Retry(ctx, 99), entities.ErrNotFound)

	img, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 10, 10), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, f.uc.Retry(ctx, img.ID))

	last := f.queue.jobs[len(f.queue.jobs)-1]
	assert.Equal(t, queue.NewRetryJob(img.ID), last)

	svg, err := f.uc.IntakeRaw(ctx, []byte(svgBody), "")
	require.NoError(t, err)
	require.NoError(t, f.uc.Retry(ctx, svg.ID))
	assert.Equal(t, queue.NewRetryJob(svg.ID), f.queue.jobs[len(f.queue.jobs)-1])
}

func TestUpdateMeta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.uc.UpdateMeta(ctx, 7, entities.MetaPatch{Location: ptr("Kyoto")})
	assert.ErrorIs(t, err, entities.ErrNotFound)

	img, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 100, 80), "image/jpeg")
	require.NoError(t, err)

	_, err = f.uc.UpdateMeta(ctx, img.ID, entities.MetaPatch{})
	assert.ErrorIs(t, err, entities.ErrValidation)

	taken := time.Date(2023, 8, 3, 20, 0, 0, 0, time.FixedZone("JST", 9*3600))
	edited, err := f.uc.UpdateMeta(ctx, img.ID, entities.MetaPatch{Location: ptr("Kyoto"), TakenAt: &taken})
	require.NoError(t, err)
	assert.Equal(t, "Kyoto", *edited.Location)
	assert.Equal(t, time.UTC, edited.TakenAt.Location())
	assert.True(t, taken.Equal(*edited.TakenAt))

	// a job picks up the edit and keeps it
	require.NoError(t, f.uc.ProcessImage(ctx, f.queue.jobs[0]))
	got, _ := f.store.Get(ctx, img.ID)
	assert.True(t, got.Processed())
	assert.Equal(t, "Kyoto", *got.Location)
}

func ptr[T any](v T) *T { return &v }

func TestEnqueueProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.uc.EnqueueProcessing(ctx, 5), entities.ErrNotFound)

	img, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 10, 10), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, f.uc.EnqueueProcessing(ctx, img.ID))
	assert.Len(t, f.queue.jobs, 2)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 100, 80), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, f.uc.ProcessImage(ctx, f.queue.jobs[0]))
	require.Len(t, f.bucket.keys(), 10)

	require.NoError(t, f.uc.Delete(ctx, img.ID))
	assert.Empty(t, f.bucket.keys())
	assert.Empty(t, f.store.images)

	assert.ErrorIs(t, f.uc.Delete(ctx, img.ID), entities.ErrNotFound)
}

func TestDeleteKeepsRecordWhenStorageFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 10, 10), "image/jpeg")
	require.NoError(t, err)

	f.bucket.failDeletes = true
	assert.ErrorIs(t, f.uc.Delete(ctx, img.ID), entities.ErrStorageUnavailable)
	assert.Contains(t, f.store.images, img.ID)
	assert.Len(t, f.bucket.keys(), 1)
}

func TestReplaceRaw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 100, 80), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, f.uc.ProcessImage(ctx, f.queue.jobs[0]))
	_, err = f.uc.UpdateMeta(ctx, img.ID, entities.MetaPatch{Location: ptr("Osaka"), Exif: &entities.Exif{Maker: ptr("Canon")}})
	require.NoError(t, err)

	var buf bytes.Buffer
	src := image.NewNRGBA(image.Rect(0, 0, 30, 60))
	src.SetNRGBA(1, 1, color.NRGBA{R: 255, A: 128})
	require.NoError(t, png.Encode(&buf, src))

	updated, err := f.uc.ReplaceRaw(ctx, img.ID, buf.Bytes(), "image/png")
	require.NoError(t, err)

	assert.Equal(t, strings.TrimSuffix(img.RawKey, ".jpeg")+".png", updated.RawKey)
	assert.Equal(t, "png", updated.Format)
	assert.True(t, updated.HasAlpha)
	assert.Nil(t, updated.Exif)
	assert.Nil(t, updated.Location)
	assert.Nil(t, updated.TakenAt)
	assert.False(t, updated.Processed())
	assert.Equal(t, []string{updated.RawKey}, f.bucket.keys())

	last := f.queue.jobs[len(f.queue.jobs)-1]
	assert.Equal(t, queue.NewReplaceJob(img.ID), last)

	require.NoError(t, f.uc.ProcessImage(ctx, last))
	got, _ := f.store.Get(ctx, img.ID)
	assert.Contains(t, got.Derivatives["small"], "png")
	assert.NotContains(t, got.Derivatives["small"], "jpeg")
}

func TestLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 20, 10), "image/jpeg")
	require.NoError(t, err)
	second, err := f.uc.IntakeRaw(ctx, jpegBytes(t, 20, 10), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, f.uc.ProcessImage(ctx, queue.NewUploadJob(second.ID)))

	page, err := f.uc.Latest(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, second.ID, page[0].ID)
	assert.Len(t, page[0].Small, 3)
	assert.Equal(t, first.ID, page[1].ID)
	assert.Equal(t, "https://cdn.example.com/"+first.RawKey, page[1].Small["jpeg"])

	empty, err := f.uc.Latest(ctx, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = f.uc.Latest(ctx, 0, 1)
	assert.ErrorIs(t, err, entities.ErrValidation)
}
