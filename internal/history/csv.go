package history

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/asirikuy/framework/pkg/rates"
)

// dateLayout is the MetaTrader export layout, DD/MM/YY HH:MM in UTC.
const dateLayout = "02/01/06 15:04"

// ReadCSV decodes rows of date, open, high, low, close, volume. Extra columns such as swaps are
// ignored. A header row is skipped. limit > 0 keeps only the first limit bars.
func ReadCSV(in io.Reader, limit int) (rates.Bars, error) {
	r := csv.NewReader(utf8Reader(in))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var bars rates.Bars
	for line := 1; limit <= 0 || len(bars) < limit; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}

		bar, err := parseRow(row)
		if err != nil {
			if line == 1 && len(bars) == 0 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// utf8Reader transparently decodes UTF-16 exports, which start with a byte order mark.
func utf8Reader(in io.Reader) io.Reader {
	br := bufio.NewReader(in)
	if b, _ := br.Peek(2); len(b) == 2 && ((b[0] == 0xFF && b[1] == 0xFE) || (b[0] == 0xFE && b[1] == 0xFF)) {
		return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	}
	return br
}

func parseRow(row []string) (rates.Bar, error) {
	if len(row) < 6 {
		return rates.Bar{}, fmt.Errorf("%d columns: %w", len(row), ErrMalformedRow)
	}
	t, err := ParseTime(row[0])
	if err != nil {
		return rates.Bar{}, err
	}

	var v [5]float64
	for i := range v {
		f, err := strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
		if err != nil {
			return rates.Bar{}, fmt.Errorf("column %d %q: %w", i+2, row[i+1], ErrMalformedRow)
		}
		v[i] = f
	}
	return rates.Bar{Time: t, Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: v[4]}, nil
}

// ParseTime accepts Unix seconds or DD/MM/YY HH:MM. Two digit years above 50 are in the 1900s.
func ParseTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if len(s) != len(dateLayout) {
		return 0, fmt.Errorf("time %q: %w", s, ErrMalformedRow)
	}

	var parts [5]int
	for i, span := range [5][2]int{{0, 2}, {3, 5}, {6, 8}, {9, 11}, {12, 14}} {
		n, err := strconv.Atoi(s[span[0]:span[1]])
		if err != nil {
			return 0, fmt.Errorf("time %q: %w", s, ErrMalformedRow)
		}
		parts[i] = n
	}
	day, month, year, hour, minute := parts[0], parts[1], parts[2], parts[3], parts[4]
	if year > 50 {
		year += 1900
	} else {
		year += 2000
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return 0, fmt.Errorf("time %q: %w", s, ErrMalformedRow)
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	// time.Date normalizes days past the end of the month into the next one.
	if t.Day() != day {
		return 0, fmt.Errorf("time %q: %w", s, ErrMalformedRow)
	}
	return t.Unix(), nil
}

// FormatTime renders t in the MetaTrader export layout.
func FormatTime(t int64) string {
	return time.Unix(t, 0).UTC().Format(dateLayout)
}

// WriteCSV encodes bars in the layout ReadCSV accepts.
func WriteCSV(out io.Writer, bars []rates.Bar) error {
	w := csv.NewWriter(out)
	for _, b := range bars {
		if err := w.Write([]string{
			FormatTime(b.Time),
			floatStr(b.Open),
			floatStr(b.High),
			floatStr(b.Low),
			floatStr(b.Close),
			floatStr(b.Volume),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func floatStr(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
