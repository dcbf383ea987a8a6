package sink

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"path/filepath"

	"github.com/rs/zerolog"

	"staged/internal/common/fsutil"
	"staged/internal/pipeline"
)

// GridPadding is the border, in pixels, around every grid cell.
const GridPadding = 2

// Grid tiles every image of the run into one PNG, written on Close as
// outdir/grid-NNNN.png. NNNN continues from the grids already in outdir.
type Grid struct {
	outdir string
	rows   int
	count  int
	log    zerolog.Logger
	tiles  []*image.NRGBA
	path   string
}

// NewGrid builds a grid sink placing rows images on each grid row.
func NewGrid(outdir string, rows int, log zerolog.Logger) (*Grid, error) {
	existing, err := filepath.Glob(filepath.Join(outdir, "grid-*.png"))
	if err != nil {
		return nil, err
	}
	return &Grid{outdir: outdir, rows: max(rows, 1), count: len(existing), log: log}, nil
}

func (g *Grid) Consume(_ context.Context, r pipeline.Result) error {
	t, err := images(r)
	if err != nil {
		return err
	}
	for i := range r.Batch.Items {
		g.tiles = append(g.tiles, toNRGBA(t, i))
	}
	return nil
}

// Close composes and writes the grid. An empty run writes nothing.
func (g *Grid) Close() error {
	if len(g.tiles) == 0 || g.path != "" {
		return nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, Compose(g.tiles, g.rows, GridPadding)); err != nil {
		return fmt.Errorf("encode grid: %w", err)
	}
	path := filepath.Join(g.outdir, fmt.Sprintf("grid-%04d.png", g.count))
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write grid: %w", err)
	}
	g.path = path
	g.log.Info().Str("event", "grid_written").Str("path", path).Int("images", len(g.tiles)).Msg("sink")
	return nil
}

// Path is the written grid file, empty until Close.
func (g *Grid) Path() string { return g.path }

// Compose lays tiles out perRow to a row, each surrounded by pad black
// pixels. All tiles take the size of the first.
func Compose(tiles []*image.NRGBA, perRow, pad int) *image.NRGBA {
	if len(tiles) == 0 {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}
	cols := min(perRow, len(tiles))
	rows := (len(tiles) + cols - 1) / cols
	tw, th := tiles[0].Bounds().Dx(), tiles[0].Bounds().Dy()
	cw, ch := tw+pad, th+pad
	out := image.NewNRGBA(image.Rect(0, 0, cols*cw+pad, rows*ch+pad))
	draw.Draw(out, out.Bounds(), image.Black, image.Point{}, draw.Src)
	for k, tile := range tiles {
		x, y := (k%cols)*cw+pad, (k/cols)*ch+pad
		draw.Draw(out, image.Rect(x, y, x+tw, y+th), tile, tile.Bounds().Min, draw.Src)
	}
	return out
}
