package color

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRGBHexToHSV(t *testing.T) {
	tests := []struct {
		in   string
		want HSV
	}{
		{"FFFFFF", HSV{0, 0, 100}},
		{"FF0000", HSV{0, 100, 100}},
		{"#00FF00", HSV{120, 100, 100}},
		{"0000ff", HSV{240, 100, 100}},
		{"000000", HSV{0, 0, 0}},
		{"808080", HSV{0, 0, 50}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := RGBHexToHSV(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRGBHexToHSV_Invalid(t *testing.T) {
	for _, in := range []string{"", "FFF", "GGGGGG", "FFFFFFF"} {
		_, err := RGBHexToHSV(in)
		assert.Error(t, err, in)
	}
}

func TestParseHSV(t *testing.T) {
	c, err := ParseHSV("200;50;75")
	require.NoError(t, err)
	assert.Equal(t, HSV{200, 50, 75}, c)
	assert.Equal(t, "200;50;75", c.String())

	for _, in := range []string{"1;2", "a;b;c", "360;0;0", "0;101;0"} {
		_, err := ParseHSV(in)
		assert.Error(t, err, in)
	}
}

func TestHSVToRGBHex(t *testing.T) {
	assert.Equal(t, "FFFFFF", HSVToRGBHex(HSV{0, 0, 100}))
	assert.Equal(t, "FF0000", HSVToRGBHex(HSV{0, 100, 100}))
	assert.Equal(t, "0000FF", HSVToRGBHex(HSV{240, 100, 100}))
}
