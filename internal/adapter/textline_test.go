package adapter

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncWriter struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.String()
}

func TestTextLineRoutesTokensAndText(t *testing.T) {
	fe := &fakeEvents{handle: true, reply: "hello back"}
	out := &syncWriter{}

	tl := NewTextLine(strings.NewReader("/computer\nhow are you\n\n"), out)
	require.NoError(t, tl.Start(context.Background(), fe))
	t.Cleanup(func() { require.NoError(t, tl.Stop()) })

	require.Eventually(t, func() bool {
		return len(fe.seenTokens()) == 1 && len(fe.seenTexts()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"computer"}, fe.seenTokens())
	assert.Equal(t, []string{"how are you"}, fe.seenTexts(), "blank lines are dropped")

	keys := fe.seenKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, "local", keys[0].Platform)
	assert.Equal(t, "terminal", keys[0].Channel)

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "token accepted: computer") && strings.Contains(s, "hello back")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTextLineReportsIgnoredTokens(t *testing.T) {
	fe := &fakeEvents{handle: false}
	out := &syncWriter{}

	tl := NewTextLine(strings.NewReader("/ghost\n"), out)
	require.NoError(t, tl.Start(context.Background(), fe))
	t.Cleanup(func() { require.NoError(t, tl.Stop()) })

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "token ignored: ghost")
	}, 2*time.Second, 10*time.Millisecond)
}
