package mesh

import (
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/kwv/kabschmesh/kabsch"
	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// Projection planes for 2D output. XZ looks down the Y axis.
const (
	ProjectionXZ = "xz"
	ProjectionXY = "xy"
	ProjectionZY = "zy"
)

const (
	// DefaultGridSpacing is the grid period in world units
	DefaultGridSpacing = 0.5
	// DefaultVectorDPI is the PNG resolution
	DefaultVectorDPI = 150
)

// ErrNothingToRender is returned for a rig with no points at all
var ErrNothingToRender = errors.New("rig has no points to render")

var (
	computedColor = color.RGBA{255, 200, 0, 255}
	targetColor   = color.RGBA{0, 190, 230, 255}
	linkColor     = color.RGBA{150, 150, 150, 255}
	gridColor     = color.RGBA{215, 215, 215, 255}
)

// nrgbaToRGBA premultiplies alpha; canvas expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// project drops one axis of p according to the projection plane
func project(projection string, p kabsch.Point) orb.Point {
	switch projection {
	case ProjectionXY:
		return orb.Point{p.X, p.Y}
	case ProjectionZY:
		return orb.Point{p.Z, p.Y}
	default:
		return orb.Point{p.X, p.Z}
	}
}

// depth returns the coordinate dropped by project
func depth(projection string, p kabsch.Point) float64 {
	switch projection {
	case ProjectionXY:
		return p.Z
	case ProjectionZY:
		return p.X
	default:
		return p.Y
	}
}

// cubeCorners returns the eight corners of the axis-aligned box enclosing
// the reference offsets, mapped through the rig's result. Corner i has bit
// 0 set for +X, bit 1 for +Y, bit 2 for +Z.
func cubeCorners(snap RigSnapshot) []kabsch.Point {
	centroid := kabsch.Centroid(snap.Reference)
	half := 0.0
	for _, p := range snap.Reference {
		off := p.Sub(centroid)
		half = math.Max(half, math.Max(math.Abs(off.X), math.Max(math.Abs(off.Y), math.Abs(off.Z))))
	}
	if half == 0 {
		half = 1
	}

	corners := make([]kabsch.Point, 8)
	for i := range corners {
		c := kabsch.Point{X: -half, Y: -half, Z: -half}
		if i&1 != 0 {
			c.X = half
		}
		if i&2 != 0 {
			c.Y = half
		}
		if i&4 != 0 {
			c.Z = half
		}
		corners[i] = snap.Result.Apply(c, true)
	}
	return corners
}

// cubeEdges lists corner index pairs that differ in exactly one axis
func cubeEdges() [][2]int {
	edges := make([][2]int, 0, 12)
	for i := 0; i < 8; i++ {
		for _, bit := range []int{1, 2, 4} {
			if i&bit == 0 {
				edges = append(edges, [2]int{i, i | bit})
			}
		}
	}
	return edges
}

// VectorRenderer draws a rig snapshot as a 2D projection
type VectorRenderer struct {
	Snapshot    RigSnapshot
	Projection  string
	Scale       float64           // millimetres per world unit
	Padding     float64           // world units around the content
	Resolution  canvas.Resolution // PNG output only
	GridSpacing float64           // world units; 0 disables the grid
	PointRadius float64           // millimetres
}

// NewVectorRenderer creates a renderer with default settings
func NewVectorRenderer(snap RigSnapshot) *VectorRenderer {
	return &VectorRenderer{
		Snapshot:    snap,
		Projection:  ProjectionXZ,
		Scale:       40,
		Padding:     0.5,
		Resolution:  canvas.DPI(DefaultVectorDPI),
		GridSpacing: DefaultGridSpacing,
		PointRadius: 3,
	}
}

// NewVectorRendererFromConfig applies the config's projection, grid and
// resolution settings.
func NewVectorRendererFromConfig(snap RigSnapshot, cfg *Config) *VectorRenderer {
	r := NewVectorRenderer(snap)
	if cfg == nil {
		return r
	}
	if cfg.Projection != "" {
		r.Projection = cfg.Projection
	}
	if cfg.GridSpacing > 0 {
		r.GridSpacing = cfg.GridSpacing
	}
	if cfg.VectorResolution > 0 {
		r.Resolution = canvas.DPI(cfg.VectorResolution)
	}
	return r
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// Bounds returns the padded world-space bound of everything drawn
func (r *VectorRenderer) Bounds() (orb.Bound, error) {
	snap := r.Snapshot
	if len(snap.Reference) == 0 && len(snap.Targets) == 0 {
		return orb.Bound{}, ErrNothingToRender
	}

	var mp orb.MultiPoint
	for _, p := range snap.Computed {
		mp = append(mp, project(r.Projection, p))
	}
	for _, p := range snap.Targets {
		mp = append(mp, project(r.Projection, p))
	}
	if len(snap.Reference) > 0 {
		for _, p := range cubeCorners(snap) {
			mp = append(mp, project(r.Projection, p))
		}
	}
	return mp.Bound().Pad(r.Padding), nil
}

// RenderToSVG writes the projection as SVG
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	bound, err := r.Bounds()
	if err != nil {
		return err
	}
	width, height := r.canvasSize(bound)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, bound, width, height)
	if err := svgRenderer.Close(); err != nil {
		return fmt.Errorf("closing SVG: %w", err)
	}
	return nil
}

// RenderToPNG writes the projection as PNG
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	bound, err := r.Bounds()
	if err != nil {
		return err
	}
	width, height := r.canvasSize(bound)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, bound, width, height)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) canvasSize(b orb.Bound) (float64, float64) {
	return (b.Right() - b.Left()) * r.Scale, (b.Top() - b.Bottom()) * r.Scale
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, b orb.Bound, width, height float64) {
	snap := r.Snapshot
	toCanvas := func(p orb.Point) (float64, float64) {
		return (p[0] - b.Left()) * r.Scale, (p[1] - b.Bottom()) * r.Scale
	}
	line := func(a, c orb.Point, style canvas.Style) {
		path := &canvas.Path{}
		path.MoveTo(toCanvas(a))
		path.LineTo(toCanvas(c))
		renderer.RenderPath(path, style, canvas.Identity)
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: gridColor}
		gridStyle.StrokeWidth = 0.3
		gridStyle.Dashes = []float64{1, 1}

		for x := math.Ceil(b.Left()/r.GridSpacing) * r.GridSpacing; x <= b.Right(); x += r.GridSpacing {
			line(orb.Point{x, b.Bottom()}, orb.Point{x, b.Top()}, gridStyle)
		}
		for y := math.Ceil(b.Bottom()/r.GridSpacing) * r.GridSpacing; y <= b.Top(); y += r.GridSpacing {
			line(orb.Point{b.Left(), y}, orb.Point{b.Right(), y}, gridStyle)
		}
	}

	rigColor := parseHexColor(snap.Color)

	// transformed reference outline, filled translucent
	if len(snap.Computed) >= 3 {
		fillStyle := canvas.DefaultStyle
		fillStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(color.NRGBA{rigColor.R, rigColor.G, rigColor.B, 60})}
		fillStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		poly := &canvas.Path{}
		for i, p := range snap.Computed {
			x, y := toCanvas(project(r.Projection, p))
			if i == 0 {
				poly.MoveTo(x, y)
			} else {
				poly.LineTo(x, y)
			}
		}
		poly.Close()
		renderer.RenderPath(poly, fillStyle, canvas.Identity)
	}

	if len(snap.Reference) > 0 {
		cubeStyle := canvas.DefaultStyle
		cubeStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		cubeStyle.Stroke = canvas.Paint{Color: rigColor}
		cubeStyle.StrokeWidth = 0.6

		corners := cubeCorners(snap)
		for _, e := range cubeEdges() {
			line(project(r.Projection, corners[e[0]]), project(r.Projection, corners[e[1]]), cubeStyle)
		}
	}

	linkStyle := canvas.DefaultStyle
	linkStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	linkStyle.Stroke = canvas.Paint{Color: linkColor}
	linkStyle.StrokeWidth = 0.4
	for i := range snap.Computed {
		if i >= len(snap.Targets) {
			break
		}
		line(project(r.Projection, snap.Computed[i]), project(r.Projection, snap.Targets[i]), linkStyle)
	}

	dot := func(p kabsch.Point, radius float64, fill color.RGBA, outline bool) {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: fill}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		if outline {
			style.Stroke = canvas.Paint{Color: canvas.Black}
			style.StrokeWidth = 0.8
		}
		x, y := toCanvas(project(r.Projection, p))
		renderer.RenderPath(canvas.Circle(radius).Translate(x, y), style, canvas.Identity)
	}

	for _, p := range snap.Computed {
		dot(p, r.PointRadius, computedColor, false)
	}
	for i, p := range snap.Targets {
		if i == snap.Selected {
			dot(p, r.PointRadius*1.5, targetColor, true)
			continue
		}
		dot(p, r.PointRadius, targetColor, false)
	}
}
