package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"chorus/internal/chorus"
	"chorus/internal/convo"
)

// TextLine is the terminal channel: one line in, one reply out. Lines
// starting with "/" are trigger tokens ("/computer"), anything else is
// conversational text under the local identity.
type TextLine struct {
	in  io.Reader
	out io.Writer
	key convo.Key

	cancel context.CancelFunc
	done   chan struct{}
	outMu  sync.Mutex
}

// NewTextLine with nil streams reads stdin and writes stdout.
func NewTextLine(in io.Reader, out io.Writer) *TextLine {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "local"
	}
	return &TextLine{
		in:  in,
		out: out,
		key: convo.Key{Platform: "local", Channel: "terminal", User: user},
	}
}

func (t *TextLine) Name() string { return "textline" }

func (t *TextLine) Start(ctx context.Context, events chorus.Events) error {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	// The reader goroutine parks on the stream; with a real stdin it
	// only exits at EOF. The processing loop is the one Stop joins.
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(t.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	go t.loop(ctx, events, lines)
	return nil
}

func (t *TextLine) Stop() error {
	t.cancel()
	<-t.done
	return nil
}

func (t *TextLine) loop(ctx context.Context, events chorus.Events, lines <-chan string) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			t.handle(ctx, events, line)
		}
	}
}

func (t *TextLine) handle(ctx context.Context, events chorus.Events, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if token, isToken := strings.CutPrefix(line, "/"); isToken {
		if events.OnToken("textline", token) {
			t.printf("token accepted: %s\n", token)
		} else {
			t.printf("token ignored: %s\n", token)
		}
		return
	}

	reply, err := events.OnText(ctx, "textline", t.key, line)
	if err != nil {
		t.printf("error: %v\n", err)
		return
	}
	if reply != "" {
		t.printf("%s\n", reply)
	}
}

func (t *TextLine) printf(format string, args ...any) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}
