package processor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/Darmau/koktohay-api/internal/keys"
	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

// Uploader stores one derivative. Put overwrites, so re-running a job is
// harmless.
type Uploader interface {
	Put(ctx context.Context, key string, payload []byte) error
}

type Engine struct {
	Policy      Policy
	Concurrency int
	Encode      EncodeFunc

	log *slog.Logger
}

func NewEngine(policy Policy, concurrency int, log *slog.Logger) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		Policy:      policy,
		Concurrency: concurrency,
		Encode:      Encode,
		log:         log.With("component", "processor"),
	}
}

// Generate produces and uploads every derivative of raw and returns the
// complete layout. Any failure aborts the whole run and nothing is returned;
// objects already uploaded stay in place and are overwritten by the next
// attempt.
func (e *Engine) Generate(ctx context.Context, raw []byte, src Source, name keys.Name, up Uploader) (entities.Derivatives, error) {
	if entities.IsTerminalFormat(src.Format) {
		return entities.Derivatives{}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", entities.ErrEncode, src.Format, err)
	}
	// orientation may have swapped the edges
	b := img.Bounds()
	src.Width, src.Height = b.Dx(), b.Dy()

	plan := e.Policy.Plan(src)

	var (
		mu  sync.Mutex
		out = make(entities.Derivatives, len(plan))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Concurrency)

	for _, t := range plan {
		if gctx.Err() != nil {
			break
		}
		resized := resize(img, t)

		for _, format := range t.Formats {
			key := name.Derivative(t.Label, format)
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				payload, err := e.Encode(resized, format)
				if err != nil {
					return err
				}
				if err := up.Put(gctx, key, payload); err != nil {
					return err
				}

				mu.Lock()
				if out[t.Label] == nil {
					out[t.Label] = make(map[string]string, len(t.Formats))
				}
				out[t.Label][format] = key
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.log.Debug("derivatives generated", "name", name.FileName, "labels", len(out))
	return out, nil
}
