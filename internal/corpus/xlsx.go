package corpus

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// LoadXLSX bulk-imports an endpoint catalog authored as a spreadsheet:
// one row per endpoint, columns service, path, method, description, and
// a final params column of comma-separated parameter names. The header
// row is skipped.
func (l *Loader) LoadXLSX(r io.Reader, sheet string) error {
	xf, err := excelize.OpenReader(r)
	if err != nil {
		return fmt.Errorf("corpus: open xlsx: %w", err)
	}
	defer xf.Close()

	if sheet == "" {
		sheets := xf.GetSheetList()
		if len(sheets) == 0 {
			return fmt.Errorf("corpus: xlsx has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := xf.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("corpus: read sheet %s: %w", sheet, err)
	}

	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		if len(row) < 4 {
			continue
		}
		var params []ParamSpec
		if len(row) > 4 && row[4] != "" {
			for _, name := range strings.Split(row[4], ",") {
				params = append(params, ParamSpec{Name: strings.TrimSpace(name)})
			}
		}
		doc := EndpointDoc{
			Service:     row[0],
			Path:        row[1],
			Method:      row[2],
			Description: row[3],
			Params:      params,
		}
		if len(row) > 5 {
			doc.Auth = strings.TrimSpace(row[5])
		}
		l.Add(doc)
	}
	return nil
}
