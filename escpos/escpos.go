package escpos

import (
	"fmt"
	"strings"
)

// Control bytes
const (
	ESC = 0x1B
	GS  = 0x1D
	LF  = 0x0A
)

// Align selects the justification mode (ESC a n)
type Align byte

const (
	AlignLeft Align = iota
	AlignCenter
	AlignRight
)

// Size selects the character size mode (ESC ! n)
type Size byte

const (
	SizeNormal       Size = 0x00
	SizeDoubleHeight Size = 0x10
	SizeDoubleWidth  Size = 0x20
	SizeDouble       Size = 0x30
)

// CutMode selects the paper cut mode (GS V m)
type CutMode byte

const (
	CutFull    CutMode = 0x00
	CutPartial CutMode = 0x01
)

// Initialize returns ESC @, which resets the printer to its power-on state.
func Initialize() []byte {
	return []byte{ESC, '@'}
}

// Alignment returns the justification sequence for a.
func Alignment(a Align) []byte {
	return []byte{ESC, 'a', byte(a)}
}

// TextSize returns the character size sequence for s.
func TextSize(s Size) []byte {
	return []byte{ESC, '!', byte(s)}
}

// BoldOn returns the emphasized-mode on sequence.
func BoldOn() []byte {
	return []byte{ESC, 'E', 0x01}
}

// BoldOff returns the emphasized-mode off sequence.
func BoldOff() []byte {
	return []byte{ESC, 'E', 0x00}
}

// Feed returns ESC d n, which prints the buffer and feeds n lines.
func Feed(n byte) []byte {
	return []byte{ESC, 'd', n}
}

// Cut returns GS V m.
func Cut(m CutMode) []byte {
	return []byte{GS, 'V', byte(m)}
}

// Line returns text terminated by a single line feed.
func Line(text string) []byte {
	b := make([]byte, 0, len(text)+1)
	b = append(b, text...)
	return append(b, LF)
}

func (a Align) String() string {
	switch a {
	case AlignLeft:
		return "left"
	case AlignCenter:
		return "center"
	case AlignRight:
		return "right"
	}
	return fmt.Sprintf("align(%d)", byte(a))
}

func (s Size) String() string {
	switch s {
	case SizeNormal:
		return "normal"
	case SizeDoubleHeight:
		return "double-height"
	case SizeDoubleWidth:
		return "double-width"
	case SizeDouble:
		return "double"
	}
	return fmt.Sprintf("size(0x%02x)", byte(s))
}

// ParseAlign maps left, center and right (case-insensitive) to an Align.
func ParseAlign(s string) (Align, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left", "l":
		return AlignLeft, nil
	case "center", "centre", "c":
		return AlignCenter, nil
	case "right", "r":
		return AlignRight, nil
	}
	return AlignLeft, fmt.Errorf("unknown alignment %q", s)
}

// ParseSize maps normal, double-height, double-width and double to a Size.
func ParseSize(s string) (Size, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "":
		return SizeNormal, nil
	case "double-height", "dh":
		return SizeDoubleHeight, nil
	case "double-width", "dw":
		return SizeDoubleWidth, nil
	case "double", "double-both", "2x":
		return SizeDouble, nil
	}
	return SizeNormal, fmt.Errorf("unknown text size %q", s)
}
