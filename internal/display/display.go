// Package display holds the frame consumers the capture host can present to.
package display

import (
	"math"

	"go2tv.app/portalcapture/capture"
)

// ToRGBA writes v into dst as RGBA with opaque alpha, reallocating dst when
// its size does not match, and returns it.
func ToRGBA(dst []byte, v capture.FrameView) []byte {
	src := v.Pixels()
	if len(dst) != len(src) {
		dst = make([]byte, len(src))
	}
	layout := v.Format().Layout
	for i := 0; i+3 < len(src); i += 4 {
		if layout.BlueFirst() {
			dst[i], dst[i+1], dst[i+2] = src[i+2], src[i+1], src[i]
		} else {
			dst[i], dst[i+1], dst[i+2] = src[i], src[i+1], src[i+2]
		}
		dst[i+3] = 0xff
	}
	return dst
}

// AspectFit scales a frame into a view without distortion, centred.
func AspectFit(viewW, viewH, frameW, frameH float64) (scale, offsetX, offsetY float64) {
	scale = math.Min(viewW/frameW, viewH/frameH)
	offsetX = (viewW - frameW*scale) / 2
	offsetY = (viewH - frameH*scale) / 2
	return
}
