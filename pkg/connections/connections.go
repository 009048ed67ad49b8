// Package connections derives the connection view from a location list:
// submissions sharing a normalized display name form a group, and any group
// with two or more points is drawn as one polyline on the map.
//
// Everything here is a pure function of its input. The view is recomputed
// from the current list on every request and never persisted or cached.
package connections

import "buildmaps/pkg/database"

// Point is one polyline vertex. Coordinates keep the store's Coord type so
// NaN submissions serialize as null instead of breaking the encoder.
type Point struct {
	Lat database.Coord `json:"lat"`
	Lng database.Coord `json:"lng"`
}

// Polyline is the path connecting one contributor's submissions, traversed
// in list order. The list arrives newest-first from the store, so the line
// runs newest-to-oldest rather than chronologically ascending.
type Polyline struct {
	Name   string  `json:"name"` // Normalized group key
	Points []Point `json:"points"`
}

// View is the full derived scene handed to the map client.
type View struct {
	Contributors int        `json:"contributors"` // Distinct normalized names
	Polylines    []Polyline `json:"polylines"`
}

// Build partitions locations by normalized name and emits one polyline per
// group with at least two points. Group order follows first appearance in
// the input; point order within a group follows the input order untouched.
func Build(locations []database.Location) View {
	type group struct {
		name   string
		points []Point
	}

	index := make(map[string]int)
	groups := make([]group, 0, len(locations))

	for _, loc := range locations {
		key := loc.NormalizedName()
		i, seen := index[key]
		if !seen {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{name: key})
		}
		groups[i].points = append(groups[i].points, Point{Lat: loc.Lat, Lng: loc.Lng})
	}

	view := View{Contributors: len(groups)}
	for _, g := range groups {
		if len(g.points) < 2 {
			continue
		}
		view.Polylines = append(view.Polylines, Polyline{Name: g.name, Points: g.points})
	}
	return view
}

// CountContributors reports how many distinct normalized names appear in the
// list. The map page shows this as its "people active" counter.
func CountContributors(locations []database.Location) int {
	seen := make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		seen[loc.NormalizedName()] = struct{}{}
	}
	return len(seen)
}
