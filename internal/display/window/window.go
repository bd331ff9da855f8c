// Package window presents captured frames in an Ebitengine window.
package window

import (
	"errors"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/display"
)

// Window implements capture.Display. Consume and QuitRequested are called
// from Update, on Ebitengine's game goroutine, so no locking is needed.
type Window struct {
	title string

	pix   []byte
	w, h  int
	image *ebiten.Image
	dirty bool
	quit  bool
}

func New(title string) *Window {
	return &Window{title: title}
}

func (w *Window) Consume(v capture.FrameView) {
	w.pix = display.ToRGBA(w.pix, v)
	w.w, w.h = v.Width(), v.Height()
	w.dirty = true
}

func (w *Window) QuitRequested() bool { return w.quit }

// Run opens the window and calls step once per update until step reports
// done or the user closes the window. Must be called from the main goroutine.
func (w *Window) Run(step func() (bool, error)) error {
	ebiten.SetWindowSize(1280, 720)
	ebiten.SetWindowTitle(w.title)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowClosingHandled(true)

	err := ebiten.RunGame(&game{w: w, step: step})
	if errors.Is(err, ebiten.Termination) {
		return nil
	}
	return err
}

type game struct {
	w    *Window
	step func() (bool, error)
}

func (g *game) Update() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) || ebiten.IsWindowBeingClosed() {
		g.w.quit = true
	}
	done, err := g.step()
	if err != nil {
		return err
	}
	if done {
		return ebiten.Termination
	}
	return nil
}

func (g *game) Draw(screen *ebiten.Image) {
	w := g.w
	if w.pix == nil {
		return
	}
	if w.image == nil || w.image.Bounds().Dx() != w.w || w.image.Bounds().Dy() != w.h {
		if w.image != nil {
			w.image.Deallocate()
		}
		w.image = ebiten.NewImage(w.w, w.h)
		w.dirty = true
	}
	if w.dirty {
		w.image.WritePixels(w.pix)
		w.dirty = false
	}

	sw, sh := screen.Bounds().Dx(), screen.Bounds().Dy()
	scale, offsetX, offsetY := display.AspectFit(float64(sw), float64(sh), float64(w.w), float64(w.h))

	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(scale, scale)
	op.GeoM.Translate(offsetX, offsetY)
	screen.DrawImage(w.image, op)
}

func (g *game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return outsideWidth, outsideHeight
}

var _ capture.Display = (*Window)(nil)
