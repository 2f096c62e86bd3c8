package ai

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/yan-zero/savepic/blob"
	"github.com/yan-zero/savepic/store"
)

const backfillBatchSize = 200

// Backfiller computes embeddings for pictures that are missing one, either
// because they were saved while the embedding backend was down or because
// they predate it.
type Backfiller struct {
	store     *store.Store
	blobs     *blob.Store
	embedding EmbeddingService
	caption   CaptionService
}

// NewBackfiller creates a Backfiller. The embedding service must be non-nil;
// the caption service is optional.
func NewBackfiller(s *store.Store, blobs *blob.Store, embedding EmbeddingService, caption CaptionService) *Backfiller {
	return &Backfiller{
		store:     s,
		blobs:     blobs,
		embedding: embedding,
		caption:   caption,
	}
}

// Run embeds every picture missing a vector for the configured model, in
// batches with bounded concurrency. Per-picture failures are logged and
// skipped so one bad blob never stalls the rest; the next run retries them.
// Returns the number of pictures embedded.
func (b *Backfiller) Run(ctx context.Context) (int, error) {
	total := 0
	for {
		pictures, err := b.store.FindPicturesWithoutEmbedding(ctx, &store.FindPicturesWithoutEmbedding{
			Model: b.embedding.Model(),
			Limit: backfillBatchSize,
		})
		if err != nil {
			return total, err
		}
		if len(pictures) == 0 {
			return total, nil
		}

		done := 0
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(4)
		results := make([]bool, len(pictures))
		for i, pic := range pictures {
			i, pic := i, pic
			eg.Go(func() error {
				if err := b.embedOne(egCtx, pic); err != nil {
					slog.Warn("backfill: failed to embed picture",
						slog.Int64("id", pic.ID),
						slog.String("name", pic.Name),
						slog.Any("err", err))
					return nil
				}
				results[i] = true
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return total, err
		}
		for _, ok := range results {
			if ok {
				done++
			}
		}
		total += done

		// Nothing in the batch succeeded: stop instead of spinning on the
		// same unprocessable rows.
		if done == 0 {
			return total, nil
		}
	}
}

func (b *Backfiller) embedOne(ctx context.Context, pic *store.Picture) error {
	image, err := b.blobs.Get(ctx, pic.URL)
	if err != nil {
		return err
	}

	vector, err := b.embedding.EmbedImage(ctx, pic.Name, image)
	if err != nil {
		// No multimodal support; fall back to embedding the name plus an
		// optional caption.
		text := pic.Name
		if b.caption != nil {
			if caption, cerr := b.caption.Caption(ctx, image); cerr == nil && caption != "" {
				text += "\n" + caption
			}
		}
		vector, err = b.embedding.EmbedText(ctx, text)
		if err != nil {
			return err
		}
	}

	return b.store.UpsertPictureEmbedding(ctx, &store.PictureEmbedding{
		PictureID: pic.ID,
		Model:     b.embedding.Model(),
		Embedding: vector,
	})
}
