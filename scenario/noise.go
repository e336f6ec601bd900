package scenario

import (
	"math"
	"math/rand/v2"

	"github.com/pthm-cable/forage/grid"
	"github.com/pthm-cable/forage/systems"
)

// edgeGradients are the cube-edge midpoints used as lattice gradients.
var edgeGradients = [12][3]float64{
	{1, 1, 0}, {-1, 1, 0}, {1, -1, 0}, {-1, -1, 0},
	{1, 0, 1}, {-1, 0, 1}, {1, 0, -1}, {-1, 0, -1},
	{0, 1, 1}, {0, -1, 1}, {0, 1, -1}, {0, -1, -1},
}

// gradientNoise is seeded 3D gradient noise over the integer lattice.
type gradientNoise struct {
	perm [256]uint8
}

func newGradientNoise(seed uint64) *gradientNoise {
	g := &gradientNoise{}
	for i := range g.perm {
		g.perm[i] = uint8(i)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(g.perm), func(i, j int) {
		g.perm[i], g.perm[j] = g.perm[j], g.perm[i]
	})
	return g
}

// gradient picks the gradient for lattice point (i, j, k).
func (g *gradientNoise) gradient(i, j, k int) [3]float64 {
	h := int(g.perm[i&255])
	h = int(g.perm[(h+j)&255])
	h = int(g.perm[(h+k)&255])
	return edgeGradients[h%len(edgeGradients)]
}

// at returns noise in roughly [-1, 1]. It is zero on lattice points.
func (g *gradientNoise) at(x, y, z float64) float64 {
	x0, y0, z0 := math.Floor(x), math.Floor(y), math.Floor(z)
	fx, fy, fz := x-x0, y-y0, z-z0
	ix, iy, iz := int(x0), int(y0), int(z0)
	u, v, w := smootherstep(fx), smootherstep(fy), smootherstep(fz)

	var sum float64
	for corner := 0; corner < 8; corner++ {
		dx, dy, dz := corner&1, corner>>1&1, corner>>2&1
		gr := g.gradient(ix+dx, iy+dy, iz+dz)
		dot := gr[0]*(fx-float64(dx)) + gr[1]*(fy-float64(dy)) + gr[2]*(fz-float64(dz))
		sum += dot * blend(u, dx) * blend(v, dy) * blend(w, dz)
	}
	return sum
}

// blend is the interpolation weight of the near (0) or far (1) corner.
func blend(t float64, corner int) float64 {
	if corner == 1 {
		return t
	}
	return 1 - t
}

func smootherstep(t float64) float64 {
	return t * t * t * (t*(t*6-15) + 10)
}

// Surface is the habitat's true occupancy probability over space and time.
// The noise pattern is carried downwind by an accumulated offset.
type Surface struct {
	noise     *gradientNoise
	scale     float64
	sharpness float64
	base      float64
}

// NewSurface builds the occupancy surface for p.
func NewSurface(p Params) *Surface {
	return &Surface{
		noise:     newGradientNoise(p.Seed),
		scale:     p.SurfaceScale,
		sharpness: p.Sharpness,
		base:      p.Base,
	}
}

// Occupancy returns the probability at pt and noise time t, sampling the
// pattern upstream of pt by the displacement (offX, offY).
func (s *Surface) Occupancy(pt grid.Point, offX, offY, t float64) float64 {
	n := s.noise.at((pt.X-offX)*s.scale, (pt.Y-offY)*s.scale, t)
	return logistic(s.sharpness*n + s.base)
}

// Gusts is a slowly veering wind around a mean speed.
type Gusts struct {
	noise *gradientNoise
	speed float64
}

// NewGusts builds the wind for p. It uses a different noise seed from the
// surface.
func NewGusts(p Params) *Gusts {
	return &Gusts{noise: newGradientNoise(p.Seed + 1), speed: p.WindSpeed}
}

// Wind returns the wind at noise time t. Speed stays within half of the
// mean on either side.
func (g *Gusts) Wind(t float64) systems.Wind {
	heading := math.Pi * g.noise.at(t, 0.5, 0.5)
	speed := g.speed * (1 + 0.5*max(-1, min(1, g.noise.at(0.5, t, 0.5))))
	return systems.Wind{U: speed * math.Cos(heading), V: speed * math.Sin(heading)}
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
