package sensor

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntrinsics(t *testing.T) {
	tests := []struct {
		name    string
		values  []float32
		want    Intrinsics
		wantErr bool
	}{
		{
			name:   "full array",
			values: []float32{1280, 960, 500, 501, 640, 480, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8},
			want: Intrinsics{
				FocalLengthX:    500,
				FocalLengthY:    501,
				PrincipalPointX: 640,
				PrincipalPointY: 480,
				Distortion:      [8]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8},
			},
		},
		{
			name:   "no distortion",
			values: []float32{1280, 960, 500, 500, 640, 480},
			want: Intrinsics{
				FocalLengthX:    500,
				FocalLengthY:    500,
				PrincipalPointX: 640,
				PrincipalPointY: 480,
			},
		},
		{
			name:   "partial distortion",
			values: []float32{0, 0, 1, 2, 3, 4, 9, 8},
			want: Intrinsics{
				FocalLengthX:    1,
				FocalLengthY:    2,
				PrincipalPointX: 3,
				PrincipalPointY: 4,
				Distortion:      [8]float32{9, 8},
			},
		},
		{
			name:    "too short",
			values:  []float32{1280, 960, 500, 500, 640},
			wantErr: true,
		},
		{
			name:    "nil",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIntrinsics(tt.values)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrShortIntrinsics))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIntrinsics_ValuesRoundTrip(t *testing.T) {
	in := Intrinsics{FocalLengthX: 500, FocalLengthY: 510, PrincipalPointX: 640, PrincipalPointY: 480}
	in.Distortion[7] = 0.25

	values := in.Values(1280, 960)
	assert.Len(t, values, IntrinsicsLen)
	assert.Equal(t, float32(1280), values[0])
	assert.Equal(t, float32(960), values[1])

	got, err := ParseIntrinsics(values)
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestFrame_StrideAndSize(t *testing.T) {
	f := &Frame{Width: 4, Height: 2}
	assert.Equal(t, 12, f.Stride())
	assert.Equal(t, 24, f.Size())
}

func TestNewPose(t *testing.T) {
	p := NewPose([3]float32{1, 2, 3}, [4]float32{0.1, 0.2, 0.3, 0.9}, 42)

	assert.Equal(t, int64(42), p.Timestamp)
	assert.Equal(t, 1.0, p.Position.X)
	assert.Equal(t, 2.0, p.Position.Y)
	assert.Equal(t, 3.0, p.Position.Z)

	xyzw := XYZW(p.Orientation)
	assert.InDelta(t, 0.1, xyzw[0], 1e-6)
	assert.InDelta(t, 0.2, xyzw[1], 1e-6)
	assert.InDelta(t, 0.3, xyzw[2], 1e-6)
	assert.InDelta(t, 0.9, xyzw[3], 1e-6)
}
