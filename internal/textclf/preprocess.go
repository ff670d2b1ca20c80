package textclf

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Class labels
const (
	LabelSpam = "spam"
	LabelHam  = "ham"
)

// ErrUnknownLabel is returned for labels other than spam/ham (or 1/0)
var ErrUnknownLabel = errors.New("unknown label")

var (
	numberEntity = regexp.MustCompile(`&lt;#&gt;`)
	urlEntity    = regexp.MustCompile(`&lt;url&gt;`)
	htmlEntity   = regexp.MustCompile(`&#?[a-z0-9]+;`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Sample is one labelled text
type Sample struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// Clean lowercases text, replaces HTML entities and collapses whitespace
func Clean(text string) string {
	text = strings.ToLower(text)
	text = numberEntity.ReplaceAllString(text, " number ")
	text = urlEntity.ReplaceAllString(text, " url ")
	text = htmlEntity.ReplaceAllString(text, " ")
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// NormalizeLabel maps raw labels onto spam/ham
func NormalizeLabel(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "spam", "1":
		return LabelSpam, nil
	case "ham", "0":
		return LabelHam, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLabel, raw)
}

// Prepare normalises labels and drops empty and duplicate texts. Duplicates are detected
// on the cleaned text; the first occurrence wins. The returned samples keep the original
// text so structural features see its casing.
func Prepare(samples []Sample) ([]Sample, error) {
	seen := make(map[string]struct{}, len(samples))
	out := make([]Sample, 0, len(samples))
	for i, s := range samples {
		label, err := NormalizeLabel(s.Label)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		cleaned := Clean(s.Text)
		if cleaned == "" {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		out = append(out, Sample{Text: s.Text, Label: label})
	}
	return out, nil
}

// ReadCSV reads labelled samples from a CSV with a header row. The text column may be
// named text or message and the label column label or category, in any case.
func ReadCSV(r io.Reader) ([]Sample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	textCol, labelCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "text", "message":
			textCol = i
		case "label", "category":
			labelCol = i
		}
	}
	if textCol < 0 || labelCol < 0 {
		return nil, fmt.Errorf("csv header must name a text/message and a label/category column, got %v", header)
	}

	var samples []Sample
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}
		if textCol >= len(record) || labelCol >= len(record) {
			continue
		}
		samples = append(samples, Sample{Text: record[textCol], Label: record[labelCol]})
	}
	return samples, nil
}
