package corpus

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// LoadPDF extracts plain text from a vendor API reference distributed as
// a PDF and adds it as a single EndpointDoc under service/path, the
// whole document treated as one entry since PDF references rarely mark
// up individual endpoints structurally.
func (l *Loader) LoadPDF(r io.Reader, service, path string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("corpus: read pdf: %w", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("corpus: parse pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}

	l.Add(EndpointDoc{
		Service:     service,
		Path:        path,
		Method:      "POST",
		Description: strings.TrimSpace(sb.String()),
	})
	return nil
}
