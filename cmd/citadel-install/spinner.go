package main

import (
	"time"

	"github.com/schollz/progressbar/v3"
)

// spin ticks an indeterminate spinner bar until done delivers its one
// result, then returns that result.
func spin(bar *progressbar.ProgressBar, done <-chan error) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			_ = bar.Add(1)
		}
	}
}
