package export

import (
	"bufio"
	"io"
	"strings"
)

// utf8BOM makes spreadsheet applications detect the encoding.
const utf8BOM = "\xEF\xBB\xBF"

// WriteCSV writes a UTF-8 BOM followed by header and rows. Every field is
// wrapped in double quotes and embedded quotes are doubled.
func WriteCSV(w io.Writer, header []string, rows [][]string) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(utf8BOM); err != nil {
		return err
	}
	if err := writeCSVLine(bw, header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := writeCSVLine(bw, r); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeCSVLine(w *bufio.Writer, fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(`"` + strings.ReplaceAll(f, `"`, `""`) + `"`); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}
