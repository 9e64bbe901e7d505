package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// ImageStore implements domain.ImageStore as one JSON object per symbol at
// books/{symbol}/image.json.
type ImageStore struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewImageStore stores images through w and loads them through r.
func NewImageStore(w domain.BlobWriter, r domain.BlobReader) *ImageStore {
	return &ImageStore{writer: w, reader: r}
}

func imagePath(symbol string) string {
	return "books/" + symbol + "/image.json"
}

// SaveImage overwrites the symbol's image.
func (s *ImageStore) SaveImage(ctx context.Context, img domain.BookImage) error {
	data, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("s3blob: marshal image %s: %w", img.Symbol, err)
	}
	return s.writer.Put(ctx, imagePath(img.Symbol), bytes.NewReader(data), "application/json")
}

// LoadImage returns the symbol's image, or domain.ErrNotFound when none was
// saved.
func (s *ImageStore) LoadImage(ctx context.Context, symbol string) (domain.BookImage, error) {
	body, err := s.reader.Get(ctx, imagePath(symbol))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.BookImage{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BookImage{}, err
	}
	defer body.Close()

	var img domain.BookImage
	if err := json.NewDecoder(body).Decode(&img); err != nil {
		return domain.BookImage{}, fmt.Errorf("s3blob: decode image %s: %w", symbol, err)
	}
	return img, nil
}

var _ domain.ImageStore = (*ImageStore)(nil)
