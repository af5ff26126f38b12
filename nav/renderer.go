package nav

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// RouteRenderer draws a top-down plan of a route: the crumb trail, the raw
// keypoints, the keypoints under the current correction, and the live position.
// Route x maps to canvas x and route -z maps to canvas y, so "forward" is up.
type RouteRenderer struct {
	Crumbs     []Pose
	Keypoints  Keypoints
	Correction Pose
	Live       *Pose

	Scale      float64 // canvas millimeters per route meter
	Padding    float64 // canvas millimeters around the drawing
	Resolution canvas.Resolution

	CrumbColor     color.RGBA
	KeypointColor  color.RGBA
	CorrectedColor color.RGBA
	LiveColor      color.RGBA
}

// NewRouteRenderer creates a renderer with default styling.
func NewRouteRenderer(crumbs []Pose, keypoints Keypoints, correction Pose) *RouteRenderer {
	return &RouteRenderer{
		Crumbs:         crumbs,
		Keypoints:      keypoints,
		Correction:     correction,
		Scale:          100,
		Padding:        100,
		Resolution:     canvas.DPI(96),
		CrumbColor:     color.RGBA{160, 160, 160, 255},
		KeypointColor:  color.RGBA{0, 0, 139, 255},
		CorrectedColor: color.RGBA{34, 139, 34, 255},
		LiveColor:      color.RGBA{220, 20, 60, 255},
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

type planBounds struct {
	minX, minY, maxX, maxY float64
}

func (b planBounds) empty() bool { return b.minX > b.maxX }

// RenderToSVG writes the plan as SVG.
func (r *RouteRenderer) RenderToSVG(w io.Writer) error {
	b := r.bounds()
	width, height := r.size(b)
	svgRenderer := svg.New(w, width, height, nil)
	r.draw(svgRenderer, b, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the plan as PNG.
func (r *RouteRenderer) RenderToPNG(w io.Writer) error {
	b := r.bounds()
	width, height := r.size(b)
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.draw(rast, b, height)
	return png.Encode(w, rast)
}

func (r *RouteRenderer) size(b planBounds) (float64, float64) {
	if b.empty() {
		return 2 * r.Padding, 2 * r.Padding
	}
	return (b.maxX-b.minX)*r.Scale + 2*r.Padding, (b.maxY-b.minY)*r.Scale + 2*r.Padding
}

// planXY returns the plan-view coordinates of a pose in route meters.
func planXY(p Pose) (float64, float64) {
	return p.Position.X, -p.Position.Z
}

func (r *RouteRenderer) bounds() planBounds {
	b := planBounds{minX: math.Inf(1), minY: math.Inf(1), maxX: math.Inf(-1), maxY: math.Inf(-1)}
	add := func(p Pose) {
		x, y := planXY(p)
		b.minX, b.maxX = math.Min(b.minX, x), math.Max(b.maxX, x)
		b.minY, b.maxY = math.Min(b.minY, y), math.Max(b.maxY, y)
	}
	for _, c := range r.Crumbs {
		add(c)
	}
	for _, k := range r.Keypoints {
		add(k.Pose)
		add(Compose(r.Correction, k.Pose))
	}
	if r.Live != nil {
		add(*r.Live)
	}
	return b
}

func (r *RouteRenderer) draw(renderer canvasRenderer, b planBounds, height float64) {
	width, _ := r.size(b)

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	if b.empty() {
		return
	}

	toCanvas := func(p Pose) (float64, float64) {
		x, y := planXY(p)
		return (x-b.minX)*r.Scale + r.Padding, (y-b.minY)*r.Scale + r.Padding
	}

	if len(r.Crumbs) > 1 {
		trailStyle := canvas.DefaultStyle
		trailStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		trailStyle.Stroke = canvas.Paint{Color: r.CrumbColor}
		trailStyle.StrokeWidth = 3

		trail := &canvas.Path{}
		for i, c := range r.Crumbs {
			x, y := toCanvas(c)
			if i == 0 {
				trail.MoveTo(x, y)
			} else {
				trail.LineTo(x, y)
			}
		}
		renderer.RenderPath(trail, trailStyle, canvas.Identity)
	}

	rawStyle := canvas.DefaultStyle
	rawStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	rawStyle.Stroke = canvas.Paint{Color: r.KeypointColor}
	rawStyle.StrokeWidth = 3
	for _, k := range r.Keypoints {
		x, y := toCanvas(k.Pose)
		renderer.RenderPath(canvas.Circle(12).Translate(x, y), rawStyle, canvas.Identity)
	}

	corrected := r.Keypoints.Transformed(r.Correction)
	if len(corrected) > 1 {
		pathStyle := canvas.DefaultStyle
		pathStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		pathStyle.Stroke = canvas.Paint{Color: r.CorrectedColor}
		pathStyle.StrokeWidth = 5

		p := &canvas.Path{}
		for i, k := range corrected {
			x, y := toCanvas(k.Pose)
			if i == 0 {
				p.MoveTo(x, y)
			} else {
				p.LineTo(x, y)
			}
		}
		renderer.RenderPath(p, pathStyle, canvas.Identity)
	}

	dotStyle := canvas.DefaultStyle
	dotStyle.Fill = canvas.Paint{Color: r.CorrectedColor}
	dotStyle.Stroke = canvas.Paint{Color: canvas.Black}
	dotStyle.StrokeWidth = 2

	tickStyle := canvas.DefaultStyle
	tickStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	tickStyle.Stroke = canvas.Paint{Color: canvas.Black}
	tickStyle.StrokeWidth = 2

	for i, k := range corrected {
		x, y := toCanvas(k.Pose)
		renderer.RenderPath(canvas.Circle(8).Translate(x, y), dotStyle, canvas.Identity)

		// Orientation points back toward the previous keypoint.
		o := corrected.Orientation(i)
		tick := &canvas.Path{}
		tick.MoveTo(x, y)
		tick.LineTo(x+o.X*25, y-o.Z*25)
		renderer.RenderPath(tick, tickStyle, canvas.Identity)
	}

	if r.Live != nil {
		x, y := toCanvas(*r.Live)
		liveStyle := canvas.DefaultStyle
		liveStyle.Fill = canvas.Paint{Color: r.LiveColor}
		liveStyle.Stroke = canvas.Paint{Color: canvas.Black}
		liveStyle.StrokeWidth = 2
		renderer.RenderPath(canvas.Circle(15).Translate(x, y), liveStyle, canvas.Identity)

		yaw := r.Live.Yaw()
		// Heading of the live pose's -z axis in plan coordinates.
		dx, dy := -math.Sin(yaw), math.Cos(yaw)
		dir := &canvas.Path{}
		dir.MoveTo(x, y)
		dir.LineTo(x+dx*40, y+dy*40)
		dirStyle := canvas.DefaultStyle
		dirStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		dirStyle.Stroke = canvas.Paint{Color: r.LiveColor}
		dirStyle.StrokeWidth = 4
		renderer.RenderPath(dir, dirStyle, canvas.Identity)
	}
}
