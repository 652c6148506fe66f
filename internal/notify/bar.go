package notify

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// Bar renders progress as a terminal progress bar and prints status lines above it.
type Bar struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func NewBar(w io.Writer, description string) *Bar {
	return &Bar{
		w: w,
		bar: progressbar.NewOptions(100,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWriter(w),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		),
	}
}

func (b *Bar) OnProgress(percent int) {
	b.bar.Set(percent)
}

func (b *Bar) OnStatus(msg string) {
	b.bar.Clear()
	fmt.Fprintln(b.w, msg)
}
