package processor

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/toga4/changewatch"
)

// JSONWriter implements Processor that writes each event as a JSON line.
//
// A redelivered event is written again.
type JSONWriter struct {
	out io.Writer
	mu  sync.Mutex
}

// NewJSONWriter creates a JSONWriter writing to out.
func NewJSONWriter(out io.Writer) *JSONWriter {
	return &JSONWriter{out: out}
}

// Assert that JSONWriter implements Processor.
var _ changewatch.Processor = (*JSONWriter)(nil)

func (w *JSONWriter) Process(_ context.Context, event *changewatch.ChangeEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return json.NewEncoder(w.out).Encode(event)
}
