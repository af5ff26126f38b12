package nav

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// localPoint projects a pose onto the horizontal plane as (x, z).
func localPoint(p Pose) orb.Point {
	return orb.Point{p.Position.X, p.Position.Z}
}

// KeypointsFeatureCollection exports keypoints, mapped through correction, in the
// local horizontal frame. Each keypoint becomes a Point feature and the whole
// path a LineString whose "length" property is its horizontal length in meters.
func KeypointsFeatureCollection(keypoints Keypoints, correction Pose) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	corrected := keypoints.Transformed(correction)

	line := make(orb.LineString, 0, len(corrected))
	for i, k := range corrected {
		pt := localPoint(k.Pose)
		line = append(line, pt)

		o := corrected.Orientation(i)
		f := geojson.NewFeature(pt)
		f.Properties["kind"] = "keypoint"
		f.Properties["index"] = i
		f.Properties["y"] = k.Pose.Y()
		f.Properties["yaw"] = radToDeg(k.Pose.Yaw())
		f.Properties["orientation"] = []float64{o.X, o.Y, o.Z}
		fc.Append(f)
	}

	if len(line) > 1 {
		f := geojson.NewFeature(line)
		f.Properties["kind"] = "path"
		f.Properties["length"] = planar.Length(line)
		fc.Append(f)
	}
	return fc
}

// CrumbTrailFeatureCollection exports the geotagged crumbs of a route as a
// lon/lat LineString. Each fix is also a Point carrying its uncertainties.
func CrumbTrailFeatureCollection(r *Route) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if r == nil {
		return fc
	}

	var line orb.LineString
	for i, c := range r.Crumbs {
		if c.Geo == nil {
			continue
		}
		pt := c.Geo.Point()
		line = append(line, pt)

		f := geojson.NewFeature(pt)
		f.Properties["kind"] = "crumb"
		f.Properties["index"] = i
		f.Properties["altitude"] = c.Geo.Altitude
		f.Properties["heading"] = c.Geo.Heading
		f.Properties["horizontalUncertainty"] = c.Geo.HorizontalUncertainty
		f.Properties["altitudeUncertainty"] = c.Geo.AltitudeUncertainty
		f.Properties["headingUncertainty"] = c.Geo.HeadingUncertainty
		if c.AnchorID != "" {
			f.Properties["anchorId"] = c.AnchorID
		}
		fc.Append(f)
	}

	if len(line) > 1 {
		f := geojson.NewFeature(line)
		f.Properties["kind"] = "trail"
		f.Properties["routeId"] = r.ID
		f.Properties["name"] = r.Name
		f.Properties["length_m"] = math.Round(geo.Length(line)*100) / 100
		fc.Append(f)
	}
	return fc
}

// PathLength returns the horizontal length of a keypoint path in meters.
func PathLength(keypoints Keypoints) float64 {
	line := make(orb.LineString, len(keypoints))
	for i, k := range keypoints {
		line[i] = localPoint(k.Pose)
	}
	return planar.Length(line)
}
