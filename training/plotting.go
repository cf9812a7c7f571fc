package training

import (
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// pixels to points at the 96 dpi vgimg uses for PNG output
const pointsPerPixel = 0.75

// RenderPNG draws the line series of pd into a PNG file at path.
func RenderPNG(pd PlotData, path string) error {
	p := plot.New()
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel

	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}

	drawn := 0
	for i, s := range pd.Series {
		if s.Type != "line" {
			return errors.Errorf("series %q: unsupported type %q", s.Name, s.Type)
		}
		if len(s.Data) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(s.Data))
		for j, pt := range s.Data {
			xys[j].X = pt.X
			xys[j].Y = pt.Y
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "series %q", s.Name)
		}
		line.Color = parseColor(s.Color, i)
		line.Width = vg.Points(1.5)
		p.Add(line)
		if pd.Config.ShowLegend {
			p.Legend.Add(s.Name, line)
		}
		drawn++
	}
	if drawn == 0 {
		return errors.New("nothing to plot")
	}
	p.Legend.Top = true

	width, height := pd.Config.Width, pd.Config.Height
	if width <= 0 {
		width = 800
	}
	if height <= 0 {
		height = 600
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create plot directory")
		}
	}
	if err := p.Save(vg.Points(float64(width)*pointsPerPixel), vg.Points(float64(height)*pointsPerPixel), path); err != nil {
		return errors.Wrapf(err, "failed to save plot %s", path)
	}
	return nil
}

var fallbackColors = []color.RGBA{
	{R: 20, G: 80, B: 200, A: 255},
	{R: 200, G: 30, B: 30, A: 255},
	{R: 40, G: 120, B: 40, A: 255},
}

// parseColor accepts "#RRGGBB"; anything else picks a fallback by index.
func parseColor(hex string, index int) color.Color {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) == 6 {
		if v, err := strconv.ParseUint(hex, 16, 32); err == nil {
			return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
		}
	}
	return fallbackColors[index%len(fallbackColors)]
}
