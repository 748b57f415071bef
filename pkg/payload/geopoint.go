package payload

import (
	"fmt"
	"math"
)

const (
	pow24 = 16777216.0   // 2^24
	pow32 = 4294967296.0 // 2^32
)

// GeoPoint 经纬度坐标（度）
type GeoPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// NewGeoPoint 创建坐标
func NewGeoPoint(lat, lon float64) GeoPoint {
	return GeoPoint{Latitude: lat, Longitude: lon}
}

// IsValid 坐标在合法范围内且不是 (0,0)
func (g GeoPoint) IsValid() bool {
	if g.Latitude == 0 && g.Longitude == 0 {
		return false
	}
	return g.Latitude >= -90 && g.Latitude <= 90 && g.Longitude >= -180 && g.Longitude <= 180
}

// Format 按指定小数位输出 "lat,lon"
func (g GeoPoint) Format(decimals int) string {
	return fmt.Sprintf("%.*f,%.*f", decimals, g.Latitude, decimals, g.Longitude)
}

func (g GeoPoint) String() string {
	return g.Format(5)
}

// EncodeGeoPoint 把坐标编码到 dst
// 6字节: 纬度/经度各24位；8字节: 各32位。无效坐标编码为全0。
func EncodeGeoPoint(g GeoPoint, dst []byte) int {
	var scale float64
	var width int
	switch {
	case len(dst) >= 8:
		scale, width = pow32, 4
	case len(dst) >= 6:
		scale, width = pow24, 3
	default:
		return 0
	}
	var rawLat, rawLon uint64
	if g.IsValid() {
		rawLat = clampRaw(math.Round((g.Latitude-90.0)*(scale/-180.0)), scale)
		rawLon = clampRaw(math.Round((g.Longitude+180.0)*(scale/360.0)), scale)
	}
	EncodeInt(dst[0:width], true, rawLat)
	EncodeInt(dst[width:2*width], true, rawLon)
	return 2 * width
}

func clampRaw(v, scale float64) uint64 {
	if v < 0 {
		return 0
	}
	if v >= scale {
		return uint64(scale) - 1
	}
	return uint64(v)
}

// DecodeGeoPoint 从 6 或 8 字节解码坐标，不足6字节返回零值
func DecodeGeoPoint(src []byte) GeoPoint {
	var scale float64
	var width int
	switch {
	case len(src) >= 8:
		scale, width = pow32, 4
	case len(src) >= 6:
		scale, width = pow24, 3
	default:
		return GeoPoint{}
	}
	rawLat := uint64(DecodeInt(src[0:width], true, false, 0))
	rawLon := uint64(DecodeInt(src[width:2*width], true, false, 0))
	var g GeoPoint
	if rawLat != 0 {
		g.Latitude = -(float64(rawLat) * (180.0 / scale)) + 90.0
	}
	if rawLon != 0 {
		g.Longitude = float64(rawLon)*(360.0/scale) - 180.0
	}
	return g
}
