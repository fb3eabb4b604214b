package world

import (
	"fmt"
	"strconv"
	"strings"

	"sarswarm.ai/internal/sim/logic/mathx"
)

type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Coord) String() string { return fmt.Sprintf("%d,%d", c.X, c.Y) }

// Grid is the immutable search area. Zones are named Z<row>_<col>.
type Grid struct {
	width  int
	height int
	zones  []string
	coords map[string]Coord
}

func NewGrid(width, height int) *Grid {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	g := &Grid{
		width:  width,
		height: height,
		zones:  make([]string, 0, width*height),
		coords: make(map[string]Coord, width*height),
	}
	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			z := ZoneName(r, c)
			g.zones = append(g.zones, z)
			g.coords[z] = Coord{X: r, Y: c}
		}
	}
	return g
}

func ZoneName(row, col int) string { return fmt.Sprintf("Z%d_%d", row, col) }

// ParseZone derives the coordinate encoded in a zone name.
func ParseZone(zone string) (Coord, bool) {
	if len(zone) < 4 || zone[0] != 'Z' {
		return Coord{}, false
	}
	row, col, ok := strings.Cut(zone[1:], "_")
	if !ok {
		return Coord{}, false
	}
	x, err := strconv.Atoi(row)
	if err != nil || x < 0 {
		return Coord{}, false
	}
	y, err := strconv.Atoi(col)
	if err != nil || y < 0 {
		return Coord{}, false
	}
	return Coord{X: x, Y: y}, true
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }

// Zones returns the zone names in row-major order. The slice is a copy.
func (g *Grid) Zones() []string {
	out := make([]string, len(g.zones))
	copy(out, g.zones)
	return out
}

func (g *Grid) Contains(zone string) bool {
	_, ok := g.coords[zone]
	return ok
}

func (g *Grid) Coord(zone string) (Coord, bool) {
	if c, ok := g.coords[zone]; ok {
		return c, true
	}
	return ParseZone(zone)
}

// Manhattan returns the grid distance between two zones, or -1 if either
// name cannot be resolved.
func (g *Grid) Manhattan(a, b string) int {
	ca, ok := g.Coord(a)
	if !ok {
		return -1
	}
	cb, ok := g.Coord(b)
	if !ok {
		return -1
	}
	return mathx.AbsInt(ca.X-cb.X) + mathx.AbsInt(ca.Y-cb.Y)
}

// Neighbours lists all zones within Manhattan radius r of zone, excluding zone.
func (g *Grid) Neighbours(zone string, r int) []string {
	if _, ok := g.Coord(zone); !ok {
		return nil
	}
	var out []string
	for _, z := range g.zones {
		if z == zone {
			continue
		}
		if d := g.Manhattan(zone, z); d >= 0 && d <= r {
			out = append(out, z)
		}
	}
	return out
}
