package domain

import (
	"sort"
)

// BoundingBox is a WGS-84 latitude/longitude rectangle.
type BoundingBox struct {
	Name   string  `json:"name"`
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether the coordinate lies inside the box.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Region is a named scope made of disjoint bounding boxes. The upstream is
// queried once per box.
type Region struct {
	Name  string        `json:"name"`
	Boxes []BoundingBox `json:"boxes"`
}

// Contains reports whether any box of the region holds the coordinate.
func (r Region) Contains(lat, lon float64) bool {
	for _, b := range r.Boxes {
		if b.Contains(lat, lon) {
			return true
		}
	}
	return false
}

const (
	RegionWorld = "world"
	RegionUS    = "us"
)

var regions = map[string]Region{
	RegionWorld: {
		Name:  RegionWorld,
		Boxes: []BoundingBox{{Name: "world", MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}},
	},
	RegionUS: {
		Name: RegionUS,
		Boxes: []BoundingBox{
			{Name: "conus", MinLat: 24.4, MaxLat: 49.4, MinLon: -125.0, MaxLon: -66.9},
			{Name: "alaska", MinLat: 51.0, MaxLat: 71.5, MinLon: -179.2, MaxLon: -129.9},
			{Name: "hawaii", MinLat: 18.9, MaxLat: 22.3, MinLon: -160.3, MaxLon: -154.8},
			{Name: "puerto-rico", MinLat: 17.8, MaxLat: 18.6, MinLon: -67.3, MaxLon: -65.2},
		},
	},
}

// LookupRegion returns the named region scope.
func LookupRegion(name string) (Region, error) {
	r, ok := regions[name]
	if !ok {
		return Region{}, Validationf("unknown region %q", name)
	}
	return r, nil
}

// RegionNames lists every known scope, sorted.
func RegionNames() []string {
	names := make([]string, 0, len(regions))
	for name := range regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
