package overlay

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"path"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/example/hair-overlay/internal/logging"
)

const maxConcurrentLoads = 4

// Asset is a decoded overlay image ready to composite.
type Asset struct {
	StyleID string
	Image   image.Image
	Width   int
	Height  int
}

// Library holds one ready asset per catalog style. It is immutable after LoadLibrary returns.
type Library struct {
	catalog *Catalog
	assets  map[string]*Asset
}

// LoadLibrary decodes every catalog image from fsys. All loads are joined
// before returning; any failure fails the whole library.
func LoadLibrary(ctx context.Context, fsys fs.FS, catalog *Catalog, logger *zap.Logger) (*Library, error) {
	if err := catalog.Validate(); err != nil {
		return nil, err
	}

	assets := make([]*Asset, len(catalog.Styles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLoads)

	for i, style := range catalog.Styles {
		i, style := i, style
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			asset, err := decodeAsset(fsys, style)
			if err != nil {
				return logging.NewOperationError("overlay.load_asset", style.ID, err)
			}
			assets[i] = asset
			logger.Debug("overlay asset ready",
				zap.String("style_id", style.ID),
				zap.Int("width", asset.Width),
				zap.Int("height", asset.Height),
				zap.Duration("elapsed", time.Since(start)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lib := &Library{catalog: catalog, assets: make(map[string]*Asset, len(assets))}
	for _, a := range assets {
		lib.assets[a.StyleID] = a
	}
	logger.Info("overlay library loaded", zap.Int("styles", len(lib.assets)))
	return lib, nil
}

// NewLibrary builds a library from already decoded assets.
func NewLibrary(catalog *Catalog, assets ...*Asset) *Library {
	lib := &Library{catalog: catalog, assets: make(map[string]*Asset, len(assets))}
	for _, a := range assets {
		lib.assets[a.StyleID] = a
	}
	return lib
}

func decodeAsset(fsys fs.FS, style Style) (*Asset, error) {
	f, err := fsys.Open(path.Clean(style.Image))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", style.Image, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("decode %s: empty %s image", style.Image, format)
	}
	return &Asset{StyleID: style.ID, Image: img, Width: b.Dx(), Height: b.Dy()}, nil
}

// Catalog returns the catalog the library was built from.
func (l *Library) Catalog() *Catalog {
	return l.catalog
}

// Asset returns the ready asset for a style.
func (l *Library) Asset(styleID string) (*Asset, bool) {
	a, ok := l.assets[styleID]
	return a, ok
}
