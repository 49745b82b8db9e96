package mesh

import (
	"github.com/kwv/kabschmesh/kabsch"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature roles used in the "role" property
const (
	RoleTarget    = "target"
	RoleComputed  = "computed"
	RoleLink      = "link"
	RoleFootprint = "footprint"
)

// SnapshotToFeatureCollection exports a rig as GeoJSON in the given
// projection plane. Each point feature carries its index and the dropped
// coordinate as "depth".
func SnapshotToFeatureCollection(snap RigSnapshot, projection string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	addPoint := func(p kabsch.Point, role string, i int) {
		f := geojson.NewFeature(project(projection, p))
		f.Properties["rigId"] = snap.RigID
		f.Properties["role"] = role
		f.Properties["index"] = i
		f.Properties["depth"] = depth(projection, p)
		fc.Append(f)
	}

	for i, p := range snap.Targets {
		addPoint(p, RoleTarget, i)
	}
	for i, p := range snap.Computed {
		addPoint(p, RoleComputed, i)
	}

	for i := range snap.Computed {
		if i >= len(snap.Targets) {
			break
		}
		ls := orb.LineString{project(projection, snap.Computed[i]), project(projection, snap.Targets[i])}
		f := geojson.NewFeature(ls)
		f.Properties["rigId"] = snap.RigID
		f.Properties["role"] = RoleLink
		f.Properties["index"] = i
		f.Properties["distance"] = kabsch.Distance(snap.Computed[i], snap.Targets[i])
		fc.Append(f)
	}

	if len(snap.Reference) > 0 {
		f := geojson.NewFeature(cubeFootprint(snap, projection))
		f.Properties["rigId"] = snap.RigID
		f.Properties["role"] = RoleFootprint
		f.Properties["status"] = string(snap.Result.Status)
		f.Properties["scale"] = snap.Result.Scale
		f.Properties["residual"] = snap.Result.Residual
		fc.Append(f)
	}

	return fc
}

// cubeFootprint is the bound of the projected cube corners as a polygon
func cubeFootprint(snap RigSnapshot, projection string) orb.Polygon {
	var mp orb.MultiPoint
	for _, c := range cubeCorners(snap) {
		mp = append(mp, project(projection, c))
	}
	return mp.Bound().ToPolygon()
}
