package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// JSONPrinter prints indented JSON, one document per result.
type JSONPrinter struct {
	Out io.Writer
}

// Print renders JSON output.
func (p JSONPrinter) Print(v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(writer(p.Out), string(payload))
	return err
}

func writer(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
