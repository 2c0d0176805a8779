// Package sensor defines the records exchanged between the ingestion side and the delivery side
// of the driver: camera frames, device poses and camera intrinsics.
package sensor

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// BytesPerPixel is the size of one packed RGB888 pixel.
const BytesPerPixel = 3

// Intrinsics array layout as produced by the ingestion source:
// [width, height, fx, fy, cx, cy, d0..d7].
const (
	IntrinsicsLen    = 14
	MinIntrinsicsLen = 6
	DistortionLen    = 8
)

// ErrShortIntrinsics is returned when an intrinsics array has fewer than MinIntrinsicsLen values.
var ErrShortIntrinsics = errors.New("intrinsics array too short")

// Intrinsics is a snapshot of pinhole camera calibration parameters.
type Intrinsics struct {
	FocalLengthX    float32                `json:"fx"`
	FocalLengthY    float32                `json:"fy"`
	PrincipalPointX float32                `json:"cx"`
	PrincipalPointY float32                `json:"cy"`
	Distortion      [DistortionLen]float32 `json:"distortion"`
}

// ParseIntrinsics decodes the flat intrinsics array. The leading width/height pair is
// informational and dropped. A missing distortion tail is left as zeros.
func ParseIntrinsics(values []float32) (Intrinsics, error) {
	var in Intrinsics
	if len(values) < MinIntrinsicsLen {
		return in, errors.Wrapf(ErrShortIntrinsics, "got %d values, need at least %d", len(values), MinIntrinsicsLen)
	}

	in.FocalLengthX = values[2]
	in.FocalLengthY = values[3]
	in.PrincipalPointX = values[4]
	in.PrincipalPointY = values[5]
	copy(in.Distortion[:], values[MinIntrinsicsLen:])

	return in, nil
}

// Values encodes the intrinsics back into the flat array layout for the given frame size.
func (in Intrinsics) Values(width, height int) []float32 {
	values := make([]float32, IntrinsicsLen)
	values[0] = float32(width)
	values[1] = float32(height)
	values[2] = in.FocalLengthX
	values[3] = in.FocalLengthY
	values[4] = in.PrincipalPointX
	values[5] = in.PrincipalPointY
	copy(values[MinIntrinsicsLen:], in.Distortion[:])
	return values
}

// Frame is an immutable camera frame. Pixels are packed RGB888, row-major, without padding.
// Frames are shared by pointer between the buffer store and delivery loops and must not be modified.
type Frame struct {
	Pixels     []byte
	Width      int
	Height     int
	Timestamp  int64
	Intrinsics Intrinsics
}

// Stride returns the number of bytes in one row.
func (f *Frame) Stride() int {
	return f.Width * BytesPerPixel
}

// Size returns the expected pixel buffer size.
func (f *Frame) Size() int {
	return f.Stride() * f.Height
}

// Pose is an immutable 6DoF device pose in the ingestion convention.
type Pose struct {
	Timestamp   int64
	Position    r3.Vector
	Orientation quat.Number
}

// Quaternion builds a quaternion from (x, y, z, w) components.
func Quaternion(x, y, z, w float64) quat.Number {
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// XYZW returns the quaternion components in (x, y, z, w) order.
func XYZW(q quat.Number) [4]float64 {
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}

// IdentityQuaternion is the no-rotation orientation.
var IdentityQuaternion = Quaternion(0, 0, 0, 1)

// NewPose builds a pose from flat position (x, y, z) and rotation (x, y, z, w) arrays.
func NewPose(position [3]float32, rotation [4]float32, timestamp int64) *Pose {
	return &Pose{
		Timestamp: timestamp,
		Position:  r3.Vector{X: float64(position[0]), Y: float64(position[1]), Z: float64(position[2])},
		Orientation: Quaternion(
			float64(rotation[0]), float64(rotation[1]), float64(rotation[2]), float64(rotation[3]),
		),
	}
}
