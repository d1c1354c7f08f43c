package monitor

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
)

const (
	// motionCell is the side in pixels of one detection grid cell.
	motionCell = 8
	// motionLearnRate is how fast the background absorbs new frames.
	motionLearnRate = 0.05
	// motionDiffThreshold is the per-cell luminance delta counted as foreground.
	motionDiffThreshold = 25.0
)

var rectColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// motionDetector does background subtraction on a coarse luminance grid.
// It keeps a running-average background and labels 8-connected foreground
// cells into blobs.
type motionDetector struct {
	cols, rows int
	bg         []float64
	cur        []float64
	fg         []bool
	seen       []bool
	stack      []int
}

func newMotionDetector() *motionDetector { return &motionDetector{} }

// reset drops the learned background.
func (d *motionDetector) reset() { d.bg = nil }

// detect returns the bounding box of the largest foreground blob whose area is
// above sensibility percent of the frame. The first frame after a reset only
// seeds the background.
func (d *motionDetector) detect(img image.Image, sensibility int) (image.Rectangle, bool) {
	b := img.Bounds()
	cols := (b.Dx() + motionCell - 1) / motionCell
	rows := (b.Dy() + motionCell - 1) / motionCell
	if cols == 0 || rows == 0 {
		return image.Rectangle{}, false
	}
	if cols != d.cols || rows != d.rows || d.bg == nil {
		d.cols, d.rows = cols, rows
		n := cols * rows
		d.cur = make([]float64, n)
		d.fg = make([]bool, n)
		d.seen = make([]bool, n)
		d.luminance(img)
		d.bg = append([]float64(nil), d.cur...)
		return image.Rectangle{}, false
	}

	d.luminance(img)
	for i, v := range d.cur {
		d.fg[i] = math.Abs(v-d.bg[i]) > motionDiffThreshold
		d.bg[i] += motionLearnRate * (v - d.bg[i])
	}

	frameArea := b.Dx() * b.Dy()
	minArea := float64(sensibility) / 100 * float64(frameArea)

	var best image.Rectangle
	bestArea := 0
	clear(d.seen)
	for i := range d.fg {
		if !d.fg[i] || d.seen[i] {
			continue
		}
		cells, box := d.label(i)
		area := cells * motionCell * motionCell
		if float64(area) <= minArea {
			continue
		}
		rect := image.Rect(
			b.Min.X+box.Min.X*motionCell, b.Min.Y+box.Min.Y*motionCell,
			b.Min.X+box.Max.X*motionCell, b.Min.Y+box.Max.Y*motionCell,
		).Intersect(b)
		if a := rect.Dx() * rect.Dy(); a > bestArea {
			best, bestArea = rect, a
		}
	}
	return best, bestArea > 0
}

// luminance averages each grid cell of img into d.cur.
func (d *motionDetector) luminance(img image.Image) {
	b := img.Bounds()
	rgba, fast := img.(*image.RGBA)
	for cy := 0; cy < d.rows; cy++ {
		for cx := 0; cx < d.cols; cx++ {
			x0, y0 := b.Min.X+cx*motionCell, b.Min.Y+cy*motionCell
			x1, y1 := min(x0+motionCell, b.Max.X), min(y0+motionCell, b.Max.Y)
			var sum float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					var r, g, bl uint8
					if fast {
						off := rgba.PixOffset(x, y)
						r, g, bl = rgba.Pix[off], rgba.Pix[off+1], rgba.Pix[off+2]
					} else {
						c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
						r, g, bl = c.R, c.G, c.B
					}
					sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
				}
			}
			d.cur[cy*d.cols+cx] = sum / float64((x1-x0)*(y1-y0))
		}
	}
}

// label flood-fills the blob containing cell start. Returns the cell count
// and the bounding box in grid coordinates.
func (d *motionDetector) label(start int) (int, image.Rectangle) {
	d.stack = append(d.stack[:0], start)
	d.seen[start] = true
	box := image.Rect(start%d.cols, start/d.cols, start%d.cols+1, start/d.cols+1)
	count := 0
	for len(d.stack) > 0 {
		i := d.stack[len(d.stack)-1]
		d.stack = d.stack[:len(d.stack)-1]
		count++
		x, y := i%d.cols, i/d.cols
		box = box.Union(image.Rect(x, y, x+1, y+1))
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= d.cols || ny >= d.rows {
					continue
				}
				j := ny*d.cols + nx
				if d.fg[j] && !d.seen[j] {
					d.seen[j] = true
					d.stack = append(d.stack, j)
				}
			}
		}
	}
	return count, box
}

// encodeJPEG encodes img, optionally outlining rect with a 2px border.
func encodeJPEG(img image.Image, rect image.Rectangle) ([]byte, error) {
	src := img
	if !rect.Empty() {
		canvas := image.NewRGBA(img.Bounds())
		draw.Draw(canvas, canvas.Bounds(), img, img.Bounds().Min, draw.Src)
		drawRect(canvas, rect, 2)
		src = canvas
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawRect(dst *image.RGBA, r image.Rectangle, width int) {
	fill := image.NewUniform(rectColor)
	r = r.Intersect(dst.Bounds())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}
