package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/fogleman/fauxgl"
	"github.com/kwv/kabschmesh/kabsch"
	"github.com/nfnt/resize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PreviewOptions controls the shaded cube preview
type PreviewOptions struct {
	Width       int
	Height      int
	Supersample int  // render at this multiple, then downsample
	Label       bool // stamp scale, angle and residual in the corner
	Background  string
}

// DefaultPreviewOptions returns a 480x360 preview with a label
func DefaultPreviewOptions() PreviewOptions {
	return PreviewOptions{
		Width:       480,
		Height:      360,
		Supersample: 2,
		Label:       true,
		Background:  "#FFF8E3",
	}
}

// cubeFaces lists the six faces as corner quads wound counter-clockwise
// seen from outside, using the cubeCorners indexing.
var cubeFaces = [6][4]int{
	{0, 4, 6, 2}, // -X
	{1, 3, 7, 5}, // +X
	{0, 1, 5, 4}, // -Y
	{2, 6, 7, 3}, // +Y
	{0, 2, 3, 1}, // -Z
	{4, 5, 7, 6}, // +Z
}

// cubeMesh triangulates the transformed cube
func cubeMesh(corners []kabsch.Point) *fauxgl.Mesh {
	v := make([]fauxgl.Vector, len(corners))
	for i, c := range corners {
		v[i] = fauxgl.V(c.X, c.Y, c.Z)
	}
	triangles := make([]*fauxgl.Triangle, 0, 12)
	for _, f := range cubeFaces {
		triangles = append(triangles,
			fauxgl.NewTriangleForPoints(v[f[0]], v[f[1]], v[f[2]]),
			fauxgl.NewTriangleForPoints(v[f[0]], v[f[2]], v[f[3]]),
		)
	}
	return fauxgl.NewTriangleMesh(triangles)
}

// RenderCube draws the rig's cube, transformed by its current result, with
// Phong shading in the rig color.
func RenderCube(snap RigSnapshot, opts PreviewOptions) (image.Image, error) {
	if len(snap.Reference) == 0 {
		return nil, ErrNothingToRender
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid preview size %dx%d", opts.Width, opts.Height)
	}
	if opts.Supersample < 1 {
		opts.Supersample = 1
	}
	if opts.Background == "" {
		opts.Background = "#FFFFFF"
	}

	corners := cubeCorners(snap)
	centroid := kabsch.Centroid(corners)
	radius := 0.0
	for _, c := range corners {
		radius = math.Max(radius, kabsch.Distance(c, centroid))
	}
	if radius == 0 {
		radius = 1
	}

	const fovy = 30
	var (
		center = fauxgl.V(centroid.X, centroid.Y, centroid.Z)
		eye    = center.Add(fauxgl.V(1, 0.9, 1.6).Normalize().MulScalar(radius * 4.5))
		up     = fauxgl.V(0, 1, 0)
		light  = fauxgl.V(-0.75, 1, 0.25).Normalize()
		near   = radius * 0.5
		far    = radius * 10
	)

	w, h := opts.Width*opts.Supersample, opts.Height*opts.Supersample
	context := fauxgl.NewContext(w, h)
	context.ClearColorBufferWith(fauxgl.HexColor(hexString(parseHexColor(opts.Background))))

	aspect := float64(opts.Width) / float64(opts.Height)
	matrix := fauxgl.LookAt(eye, center, up).Perspective(fovy, aspect, near, far)
	shader := fauxgl.NewPhongShader(matrix, light, eye)
	shader.ObjectColor = fauxgl.HexColor(hexString(parseHexColor(snap.Color)))
	context.Shader = shader
	context.DrawMesh(cubeMesh(corners))

	img := resize.Resize(uint(opts.Width), uint(opts.Height), context.Image(), resize.Bilinear)

	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	if opts.Label {
		drawResultLabel(out, snap)
	}
	return out, nil
}

// WriteCubePNG renders the cube preview and encodes it as PNG
func WriteCubePNG(w io.Writer, snap RigSnapshot, opts PreviewOptions) error {
	img, err := RenderCube(snap, opts)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encoding cube preview: %w", err)
	}
	return nil
}

func drawResultLabel(img *image.RGBA, snap RigSnapshot) {
	res := snap.Result
	_, angle := res.Rotation.AxisAngle()
	black := color.RGBA{0, 0, 0, 255}

	drawText(img, 8, 16, snap.RigID, black)
	if res.IsFallback() {
		drawText(img, 8, 32, "fallback: "+res.Reason, color.RGBA{178, 34, 34, 255})
		return
	}
	drawText(img, 8, 32, fmt.Sprintf("scale %.4f  angle %.2f deg", res.Scale, angle*180/math.Pi), black)
	drawText(img, 8, 48, fmt.Sprintf("rmsd %.4g  steps %d", res.Residual, res.Steps), black)
	if res.IsDegraded() {
		drawText(img, 8, 64, "degraded: "+res.Reason, color.RGBA{178, 34, 34, 255})
	}
}

// drawText renders text with its baseline at (x, y)
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses "#RRGGBB"; anything else yields royal blue
func parseHexColor(hex string) color.RGBA {
	defaultColor := color.RGBA{65, 105, 225, 255}

	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}

func hexString(c color.RGBA) string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}
