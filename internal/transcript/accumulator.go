package transcript

import (
	"io"
	"strings"
)

// Accumulator merges streamed recognition fragments into a display value.
// Finalized text only grows; interim text is replaced wholesale on every update.
type Accumulator struct {
	finalized strings.Builder
	interim   string
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// AppendFinal appends text verbatim, separators included.
func (a *Accumulator) AppendFinal(text string) {
	a.finalized.WriteString(text)
}

// SetInterim replaces the interim value.
func (a *Accumulator) SetInterim(text string) {
	a.interim = text
}

func (a *Accumulator) Clear() {
	a.finalized.Reset()
	a.interim = ""
}

func (a *Accumulator) Finalized() string {
	return a.finalized.String()
}

func (a *Accumulator) Interim() string {
	return a.interim
}

// Display returns finalized followed by interim.
func (a *Accumulator) Display() string {
	return a.finalized.String() + a.interim
}

// WriteTo writes the finalized text with no added framing.
func (a *Accumulator) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, a.finalized.String())
	return int64(n), err
}
