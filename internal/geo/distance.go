package geo

import "math"

// Point is a WGS-84 latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

const (
	wgs84A = 6378137.0
	wgs84F = 1 / 298.257223563
	wgs84B = (1 - wgs84F) * wgs84A

	metersPerMile     = 1609.344
	meanEarthRadiusMi = 3958.7613

	vincentyMaxIter = 200
	vincentyEps     = 1e-12
)

// DistanceMiles returns the geodesic distance between a and b in miles on
// the WGS-84 ellipsoid (Vincenty inverse). For nearly antipodal points where
// the iteration does not converge it falls back to the spherical great-circle
// distance.
//
// The pair is ordered before computing so the result is bit-for-bit
// symmetric.
func DistanceMiles(a, b Point) float64 {
	if a == b {
		return 0
	}
	if less(b, a) {
		a, b = b, a
	}
	if d, ok := vincenty(a, b); ok {
		return d / metersPerMile
	}
	return haversineMiles(a, b)
}

func less(a, b Point) bool {
	if a.Lat != b.Lat {
		return a.Lat < b.Lat
	}
	return a.Lon < b.Lon
}

func vincenty(p1, p2 Point) (float64, bool) {
	L := rad(p2.Lon - p1.Lon)
	U1 := math.Atan((1 - wgs84F) * math.Tan(rad(p1.Lat)))
	U2 := math.Atan((1 - wgs84F) * math.Tan(rad(p2.Lat)))
	sinU1, cosU1 := math.Sincos(U1)
	sinU2, cosU2 := math.Sincos(U2)

	lambda := L
	var sinSigma, cosSigma, sigma, cos2Alpha, cos2SigmaM float64
	converged := false

	for i := 0; i < vincentyMaxIter; i++ {
		sinLambda, cosLambda := math.Sincos(lambda)
		x := cosU2 * sinLambda
		y := cosU1*sinU2 - sinU1*cosU2*cosLambda
		sinSigma = math.Sqrt(x*x + y*y)
		if sinSigma == 0 {
			return 0, true
		}
		cosSigma = sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma = math.Atan2(sinSigma, cosSigma)
		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cos2Alpha = 1 - sinAlpha*sinAlpha
		if cos2Alpha != 0 {
			cos2SigmaM = cosSigma - 2*sinU1*sinU2/cos2Alpha
		} else {
			// equatorial line
			cos2SigmaM = 0
		}
		C := wgs84F / 16 * cos2Alpha * (4 + wgs84F*(4-3*cos2Alpha))
		prev := lambda
		lambda = L + (1-C)*wgs84F*sinAlpha*
			(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))
		if math.Abs(lambda-prev) < vincentyEps {
			converged = true
			break
		}
	}
	if !converged {
		return 0, false
	}

	u2 := cos2Alpha * (wgs84A*wgs84A - wgs84B*wgs84B) / (wgs84B * wgs84B)
	A := 1 + u2/16384*(4096+u2*(-768+u2*(320-175*u2)))
	B := u2 / 1024 * (256 + u2*(-128+u2*(74-47*u2)))
	deltaSigma := B * sinSigma * (cos2SigmaM + B/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
		B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))

	return wgs84B * A * (sigma - deltaSigma), true
}

func haversineMiles(a, b Point) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * meanEarthRadiusMi * math.Asin(math.Min(1, math.Sqrt(h)))
}

func rad(deg float64) float64 {
	return deg * math.Pi / 180
}
