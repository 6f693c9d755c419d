package rendereravt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type curvePoint struct {
	in  int
	out int
}

// VolumeCurve maps gateway volume (0..100) to renderer volume by linear
// interpolation between configured points. The zero value is the identity.
type VolumeCurve struct {
	points []curvePoint
}

// ParseVolumeCurve parses "in:out,in:out,..." pairs.
func ParseVolumeCurve(text string) (VolumeCurve, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return VolumeCurve{}, nil
	}
	var points []curvePoint
	for _, pair := range strings.Split(text, ",") {
		in, out, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return VolumeCurve{}, fmt.Errorf("volume curve: invalid point %q", pair)
		}
		x, err := strconv.Atoi(strings.TrimSpace(in))
		if err != nil {
			return VolumeCurve{}, fmt.Errorf("volume curve: %w", err)
		}
		y, err := strconv.Atoi(strings.TrimSpace(out))
		if err != nil {
			return VolumeCurve{}, fmt.Errorf("volume curve: %w", err)
		}
		if x < 0 || x > 100 || y < 0 {
			return VolumeCurve{}, fmt.Errorf("volume curve: point %d:%d out of range", x, y)
		}
		points = append(points, curvePoint{in: x, out: y})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].in < points[j].in })
	return VolumeCurve{points: points}, nil
}

// Map converts a 0..100 volume through the curve.
func (c VolumeCurve) Map(volume int) int {
	volume = max(0, min(100, volume))
	if len(c.points) == 0 {
		return volume
	}
	if volume <= c.points[0].in {
		return c.points[0].out
	}
	for i := 1; i < len(c.points); i++ {
		lo, hi := c.points[i-1], c.points[i]
		if volume <= hi.in {
			if hi.in == lo.in {
				return hi.out
			}
			return lo.out + (volume-lo.in)*(hi.out-lo.out)/(hi.in-lo.in)
		}
	}
	return c.points[len(c.points)-1].out
}
