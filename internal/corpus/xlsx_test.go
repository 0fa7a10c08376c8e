package corpus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func buildTestXLSX(t *testing.T) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]string{
		{"service", "path", "method", "description", "params"},
		{"slack", "chat.postMessage", "POST", "Send a message to a channel", "channel,text"},
		{"gmail", "send", "POST", "Send an email", "to,subject,body"},
	}
	for i, row := range rows {
		for j, val := range row {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+1)
			require.NoError(t, f.SetCellValue(sheet, cell, val))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return &buf
}

func TestLoadXLSX(t *testing.T) {
	l := NewLoader()
	buf := buildTestXLSX(t)
	require.NoError(t, l.LoadXLSX(buf, ""))

	require.Equal(t, 2, l.Len())
	doc := l.Get("slack", "chat.postMessage")
	require.NotNil(t, doc)
	require.Equal(t, []string{"channel", "text"}, doc.ParamNames())
}
