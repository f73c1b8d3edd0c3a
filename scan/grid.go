package scan

import (
	"context"

	"github.com/c360/afspm/message"
)

// Repeat keeps collecting with the same params.
func Repeat(p *Params) NextParams {
	return func(context.Context) *Params { return p }
}

// Grid splits region into rows x cols sub-scans and visits them in raster
// order, starting over after the last one. Each sub-scan keeps the region's
// resolution, units and angle.
func Grid(region message.ScanParameters2d, rows, cols int) NextParams {
	rows = max(rows, 1)
	cols = max(cols, 1)
	w := region.Size.X / float64(cols)
	h := region.Size.Y / float64(rows)

	next := 0
	return func(context.Context) *Params {
		row, col := next/cols, next%cols
		next = (next + 1) % (rows * cols)

		p := region
		p.TopLeft = message.Point2d{
			X: region.TopLeft.X + float64(col)*w,
			Y: region.TopLeft.Y + float64(row)*h,
		}
		p.Size = message.Size2d{X: w, Y: h}
		return ScanParams(p)
	}
}

// Points visits spectroscopy positions in order, starting over after the
// last one. It returns nil forever if points is empty.
func Points(points []message.ProbePosition, numPoints int) NextParams {
	next := 0
	return func(context.Context) *Params {
		if len(points) == 0 {
			return nil
		}
		pos := points[next]
		next = (next + 1) % len(points)
		return SpecParams(message.SpecParameters1d{ProbePosition: pos, NumPoints: numPoints})
	}
}
