package action

import (
	"fmt"
	"strings"
	"sync"

	keybd "github.com/micmonay/keybd_event"
)

// Chord is a parsed key combination: zero or more modifiers plus one
// terminal key.
type Chord struct {
	Ctrl  bool
	Shift bool
	Alt   bool
	Super bool
	Key   int
}

var keyCodes = map[string]int{
	"a": keybd.VK_A, "b": keybd.VK_B, "c": keybd.VK_C, "d": keybd.VK_D,
	"e": keybd.VK_E, "f": keybd.VK_F, "g": keybd.VK_G, "h": keybd.VK_H,
	"i": keybd.VK_I, "j": keybd.VK_J, "k": keybd.VK_K, "l": keybd.VK_L,
	"m": keybd.VK_M, "n": keybd.VK_N, "o": keybd.VK_O, "p": keybd.VK_P,
	"q": keybd.VK_Q, "r": keybd.VK_R, "s": keybd.VK_S, "t": keybd.VK_T,
	"u": keybd.VK_U, "v": keybd.VK_V, "w": keybd.VK_W, "x": keybd.VK_X,
	"y": keybd.VK_Y, "z": keybd.VK_Z,

	"0": keybd.VK_0, "1": keybd.VK_1, "2": keybd.VK_2, "3": keybd.VK_3,
	"4": keybd.VK_4, "5": keybd.VK_5, "6": keybd.VK_6, "7": keybd.VK_7,
	"8": keybd.VK_8, "9": keybd.VK_9,

	"f1": keybd.VK_F1, "f2": keybd.VK_F2, "f3": keybd.VK_F3,
	"f4": keybd.VK_F4, "f5": keybd.VK_F5, "f6": keybd.VK_F6,
	"f7": keybd.VK_F7, "f8": keybd.VK_F8, "f9": keybd.VK_F9,
	"f10": keybd.VK_F10, "f11": keybd.VK_F11, "f12": keybd.VK_F12,

	"enter": keybd.VK_ENTER,
	"space": keybd.VK_SPACE,
	"tab":   keybd.VK_TAB,
	"esc":   keybd.VK_ESC,
}

// ParseChord parses a named chord like "ctrl+alt+p" or "f5". Modifier
// order is free; exactly one terminal key is required.
func ParseChord(s string) (Chord, error) {
	var c Chord
	haveKey := false

	for _, part := range strings.Split(strings.ToLower(strings.TrimSpace(s)), "+") {
		switch part {
		case "ctrl", "control":
			c.Ctrl = true
		case "shift":
			c.Shift = true
		case "alt":
			c.Alt = true
		case "super", "meta", "cmd":
			c.Super = true
		case "":
			return Chord{}, fmt.Errorf("chord %q has an empty part", s)
		default:
			code, ok := keyCodes[part]
			if !ok {
				return Chord{}, fmt.Errorf("chord %q: unknown key %q", s, part)
			}
			if haveKey {
				return Chord{}, fmt.Errorf("chord %q names more than one key", s)
			}
			c.Key = code
			haveKey = true
		}
	}

	if !haveKey {
		return Chord{}, fmt.Errorf("chord %q names no key", s)
	}
	return c, nil
}

// Tapper delivers a chord as OS key events. Swapped for a fake in
// tests and on hosts without an input device.
type Tapper interface {
	Tap(Chord) error
}

// keybdTapper synthesizes events through the uinput/SendInput backend.
// The binding is opened lazily: hosts without the needed permissions
// only fail when a keypress action actually runs.
type keybdTapper struct {
	once sync.Once
	kb   keybd.KeyBonding
	err  error
}

// NewTapper returns the real OS-level tapper.
func NewTapper() Tapper {
	return &keybdTapper{}
}

func (t *keybdTapper) Tap(c Chord) error {
	t.once.Do(func() {
		t.kb, t.err = keybd.NewKeyBonding()
	})
	if t.err != nil {
		return fmt.Errorf("key synthesis unavailable: %w", t.err)
	}

	t.kb.Clear()
	t.kb.SetKeys(c.Key)
	t.kb.HasCTRL(c.Ctrl)
	t.kb.HasSHIFT(c.Shift)
	t.kb.HasALT(c.Alt)
	t.kb.HasSuper(c.Super)

	if err := t.kb.Launching(); err != nil {
		return fmt.Errorf("deliver chord: %w", err)
	}
	return nil
}
