package capture

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/ayusman/quforia/internal/sensor"
)

// ToRGB888 converts a BGR, BGRA or grayscale Mat into a packed RGB888 buffer of width x height,
// resizing when the source size differs. flip mirrors the image vertically.
func ToRGB888(src *gocv.Mat, width, height int, flip bool) ([]byte, error) {
	if src == nil || src.Empty() {
		return nil, ErrEmptyFrame
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", width, height)
	}

	var code gocv.ColorConversionCode
	switch src.Channels() {
	case 1:
		code = gocv.ColorGrayToRGB
	case 3:
		code = gocv.ColorBGRToRGB
	case 4:
		code = gocv.ColorBGRAToRGB
	default:
		return nil, errors.Errorf("unsupported channel count %d", src.Channels())
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(*src, &rgb, code)

	if rgb.Cols() != width || rgb.Rows() != height {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(rgb, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
		resized.CopyTo(&rgb)
	}

	if flip {
		flipped := gocv.NewMat()
		defer flipped.Close()
		gocv.Flip(rgb, &flipped, 0)
		flipped.CopyTo(&rgb)
	}

	pixels := rgb.ToBytes()
	if want := width * height * sensor.BytesPerPixel; len(pixels) != want {
		return nil, errors.Errorf("converted frame is %d bytes, want %d", len(pixels), want)
	}
	return pixels, nil
}

// EncodeJPEG encodes a packed RGB888 buffer as JPEG.
func EncodeJPEG(pixels []byte, width, height int) ([]byte, error) {
	if want := width * height * sensor.BytesPerPixel; width <= 0 || height <= 0 || len(pixels) != want {
		return nil, errors.Errorf("invalid RGB888 buffer: %d bytes for %dx%d", len(pixels), width, height)
	}

	rgb, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, pixels)
	if err != nil {
		return nil, errors.Wrap(err, "wrap pixels")
	}
	defer rgb.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)

	buf, err := gocv.IMEncode(".jpg", bgr)
	if err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
