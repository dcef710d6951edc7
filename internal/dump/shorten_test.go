package dump

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShorten(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "faceplate script",
			url:  "/screen_modules/Screen_Content/HMI_RT_1::HMI_Screen/faceplate_modules/CM_Freq/Events.js",
			want: "HMI_Screen/CM_Freq/Events.js",
		},
		{
			name: "single colon qualifier",
			url:  "/screen_modules/Screen_Content/HMI_RT_12:Overview/Dynamics.js",
			want: "Overview/Dynamics.js",
		},
		{
			name: "no leading slash",
			url:  "screen_modules/Screen_Content/HMI_RT_1::Main/Events.js",
			want: "Main/Events.js",
		},
		{
			name: "no runtime qualifier",
			url:  "/screen_modules/Screen_Content/Main/Events.js",
			want: "Main/Events.js",
		},
		{
			name: "nested faceplates",
			url:  "/screen_modules/Screen_Content/HMI_RT_1::Top/faceplate_modules/A/faceplate_modules/B/Events.js",
			want: "Top/A/B/Events.js",
		},
		{
			name: "colon not a runtime qualifier",
			url:  "/screen_modules/Screen_Content/Odd:Name/Events.js",
			want: "Odd:Name/Events.js",
		},
		{
			name: "unrelated url unchanged",
			url:  "eval-7f3a.cdp",
			want: "eval-7f3a.cdp",
		},
		{
			name: "other prefix unchanged",
			url:  "/internal/bootstrap.js",
			want: "/internal/bootstrap.js",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Shorten(tt.url))
		})
	}
}

func TestShortenDeterministic(t *testing.T) {
	url := "/screen_modules/Screen_Content/HMI_RT_1::HMI_Screen/faceplate_modules/CM_Freq/Events.js"
	first := Shorten(url)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Shorten(url))
	}
}

func TestShortenCollapsesInstances(t *testing.T) {
	// Different runtime instances of the same logical file collapse to one
	// short path; that is the point of shortening.
	a := Shorten("/screen_modules/Screen_Content/HMI_RT_1::Main/Events.js")
	b := Shorten("/screen_modules/Screen_Content/HMI_RT_2::Main/Events.js")
	assert.Equal(t, a, b)
}

func TestSanitizePath(t *testing.T) {
	assert.Equal(t,
		"HMI_RT_1__Main/Events.js",
		SanitizePath("HMI_RT_1::Main/Events.js"))
	assert.Equal(t,
		"a/_b___c__d_",
		SanitizePath(`a/*b"<>c?|d:`))
	assert.Equal(t, "plain/path.js", SanitizePath("plain/path.js"))
}
