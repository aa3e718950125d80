// Package weights makes sure a model weights bundle exists on local disk
// before the model is loaded.
package weights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

var ErrProvision = errors.New("weights provisioning failed")

// Fetcher downloads the archive at url and extracts it into dest.
type Fetcher interface {
	FetchAndExtract(ctx context.Context, url, dest string) error
}

type FetcherFunc func(ctx context.Context, url, dest string) error

func (f FetcherFunc) FetchAndExtract(ctx context.Context, url, dest string) error {
	return f(ctx, url, dest)
}

// Ensure fetches url into dest unless dest already exists. Existing content
// is trusted as is, complete or not.
func Ensure(ctx context.Context, fetcher Fetcher, url, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		slog.Info("Weights already present, skipping download", slog.String("dest", dest))
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: stat %s: %w", ErrProvision, dest, err)
	}

	start := time.Now()
	slog.Info("Downloading weights", slog.String("url", url), slog.String("dest", dest))
	if err := fetcher.FetchAndExtract(ctx, url, dest); err != nil {
		return fmt.Errorf("%w: %w", ErrProvision, err)
	}
	slog.Info("Downloading weights took", slog.Duration("elapsed", time.Since(start)))
	return nil
}
