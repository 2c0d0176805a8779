package e2e

import (
	"math"

	"github.com/ayusman/quforia/internal/device"
)

var intrinsics = []float32{1280, 960, 910.5, 910.5, 640, 480}

// gradientFrame returns a packed RGB888 frame in the driver camera mode whose red channel ramps
// across columns and whose blue channel encodes the frame index.
func gradientFrame(index int) []byte {
	w, h := device.SupportedMode.Width, device.SupportedMode.Height
	pixels := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			pixels[i] = byte(x * 255 / (w - 1))
			pixels[i+1] = byte(y * 255 / (h - 1))
			pixels[i+2] = byte(index)
		}
	}
	return pixels
}

type trackSample struct {
	position [3]float32
	rotation [4]float32
}

// circleTrack returns n poses walking a 1m circle in the XZ plane at eye height, yawing to face
// the direction of travel.
func circleTrack(n int) []trackSample {
	track := make([]trackSample, n)
	for i := range track {
		a := 2 * math.Pi * float64(i) / float64(n)
		half := a / 2
		track[i] = trackSample{
			position: [3]float32{float32(math.Cos(a)), 1.6, float32(math.Sin(a))},
			rotation: [4]float32{0, float32(math.Sin(half)), 0, float32(math.Cos(half))},
		}
	}
	return track
}
