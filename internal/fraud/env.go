// Package fraud provides the CEL-Go based fraud-indicator matcher.
// Declarative condition trees are translated to CEL and compiled once at
// load time; evaluation is pure over a flat fact map.
package fraud

import (
	"math"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// NewEnv creates the CEL environment shared by all compiled indicators.
// Conditions see the case's flattened facts plus the distance_km helper
// for geographic rules.
func NewEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("distance_km",
			cel.Overload("distance_km_dddd",
				[]*cel.Type{cel.DoubleType, cel.DoubleType, cel.DoubleType, cel.DoubleType},
				cel.DoubleType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					lat1, ok1 := args[0].(types.Double)
					lng1, ok2 := args[1].(types.Double)
					lat2, ok3 := args[2].(types.Double)
					lng2, ok4 := args[3].(types.Double)
					if !ok1 || !ok2 || !ok3 || !ok4 {
						return types.NewErr("distance_km expects double arguments")
					}
					return types.Double(haversineKm(
						float64(lat1), float64(lng1),
						float64(lat2), float64(lng2),
					))
				}),
			),
		),
	)
}

const earthRadiusKm = 6371.0

// haversineKm computes the great-circle distance between two coordinates.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
