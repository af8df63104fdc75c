// Package notify plays the short acknowledgment sound users hear when
// a spoken trigger lands.
package notify

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
)

var (
	initOnce sync.Once
	initErr  error
)

// Earcon plays the mp3 at path and blocks until it finishes. An empty
// path is a no-op, so the feature is off unless configured.
func Earcon(path string) error {
	if path == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open earcon: %w", err)
	}
	defer f.Close()

	streamer, format, err := mp3.Decode(f)
	if err != nil {
		return fmt.Errorf("decode earcon: %w", err)
	}
	defer streamer.Close()

	// The speaker is a process-wide device; open it once at the first
	// earcon's sample rate.
	initOnce.Do(func() {
		initErr = speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10))
	})
	if initErr != nil {
		return fmt.Errorf("open speaker: %w", initErr)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(streamer, beep.Callback(func() {
		close(done)
	})))
	<-done
	return nil
}
