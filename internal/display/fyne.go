package display

import (
	"image"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"github.com/disintegration/gift"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// Fyne shows frames in a fyne window. Run must be called on the main
// goroutine; Show and PollKey may be called from any other goroutine.
type Fyne struct {
	log  zerolog.Logger
	size image.Point

	app    fyne.App
	window fyne.Window
	img    *canvas.Image

	keys      chan rune
	closeOnce sync.Once
}

// NewFyne creates the application and its window.
func NewFyne(title string, size image.Point, log zerolog.Logger) *Fyne {
	a := app.NewWithID("io.panoviewer")
	a.Settings().SetTheme(&viewerTheme{})
	w := a.NewWindow(title)

	img := canvas.NewImageFromImage(nil)
	img.FillMode = canvas.ImageFillContain
	img.ScaleMode = canvas.ImageScaleFastest

	f := &Fyne{
		log:    log,
		size:   size,
		app:    a,
		window: w,
		img:    img,
		keys:   make(chan rune, 8),
	}

	w.SetContent(img)
	if size.X > 0 && size.Y > 0 {
		w.Resize(fyne.NewSize(float32(size.X), float32(size.Y)))
	}
	w.Canvas().SetOnTypedRune(f.pushKey)
	w.SetOnClosed(func() {
		// Closing the window counts as the stop key.
		f.pushKey('q')
	})

	return f
}

func (f *Fyne) pushKey(r rune) {
	select {
	case f.keys <- r:
	default:
		f.log.Debug().Str("key", string(r)).Msg("key buffer full, dropping key")
	}
}

// Run shows the window and blocks in the fyne event loop.
func (f *Fyne) Run() {
	f.window.ShowAndRun()
}

func (f *Fyne) Show(name string, frame gocv.Mat) error {
	src, err := frame.ToImage()
	if err != nil {
		return err
	}

	f.window.SetTitle(name)
	f.img.Image = f.scale(src)
	f.img.Refresh()
	return nil
}

// scale shrinks the panorama to the window width before upload, since the
// raw canvas is several times wider than any screen.
func (f *Fyne) scale(src image.Image) image.Image {
	if f.size.X <= 0 || src.Bounds().Dx() <= f.size.X {
		return src
	}
	g := gift.New(gift.Resize(f.size.X, 0, gift.LinearResampling))
	dst := image.NewRGBA(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst
}

func (f *Fyne) PollKey(timeout time.Duration) (rune, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-f.keys:
		return r, true
	case <-t.C:
		return 0, false
	}
}

// Close quits the fyne application, which makes Run return.
func (f *Fyne) Close() error {
	f.closeOnce.Do(f.app.Quit)
	return nil
}
