package anomaly

import (
	"encoding/json"
	"sort"

	"github.com/sgerhart/threatflux/internal/model"
)

// FeatureVersion names the feature layout produced by Encoder. Bump it whenever the
// layout changes so stale artifacts are refused on load.
const FeatureVersion = "onehot(log_source,protocol,action)+hour+dow+port/v1"

// missingPort is substituted when an event carries no port
const missingPort = -1

// categorical columns, in output order
var categoricalFields = []string{"log_source", "protocol", "action"}

// Encoder turns network events into numeric rows. Categorical fields are one-hot encoded
// against the categories seen at fit time; unseen categories encode as all zeros.
type Encoder struct {
	Categories map[string][]string `json:"categories"`
	index      map[string]map[string]int
}

// FitEncoder learns the categories present in events
func FitEncoder(events []*model.Event) *Encoder {
	seen := make(map[string]map[string]struct{}, len(categoricalFields))
	for _, f := range categoricalFields {
		seen[f] = make(map[string]struct{})
	}

	for _, ev := range events {
		if ev.Network == nil {
			continue
		}
		for _, f := range categoricalFields {
			seen[f][categoryValue(ev.Network, f)] = struct{}{}
		}
	}

	enc := &Encoder{Categories: make(map[string][]string, len(categoricalFields))}
	for _, f := range categoricalFields {
		values := make([]string, 0, len(seen[f]))
		for v := range seen[f] {
			values = append(values, v)
		}
		sort.Strings(values)
		enc.Categories[f] = values
	}
	enc.buildIndex()
	return enc
}

func (e *Encoder) buildIndex() {
	e.index = make(map[string]map[string]int, len(categoricalFields))
	offset := 0
	for _, f := range categoricalFields {
		idx := make(map[string]int, len(e.Categories[f]))
		for i, v := range e.Categories[f] {
			idx[v] = offset + i
		}
		e.index[f] = idx
		offset += len(e.Categories[f])
	}
}

// UnmarshalJSON restores the categories and rebuilds the lookup index
func (e *Encoder) UnmarshalJSON(data []byte) error {
	var raw struct {
		Categories map[string][]string `json:"categories"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Categories = raw.Categories
	if e.Categories == nil {
		e.Categories = make(map[string][]string)
	}
	e.buildIndex()
	return nil
}

// Width is the length of encoded rows
func (e *Encoder) Width() int {
	w := 3
	for _, f := range categoricalFields {
		w += len(e.Categories[f])
	}
	return w
}

// Transform encodes one event. Events without network fields encode as a zero row.
func (e *Encoder) Transform(ev *model.Event) []float64 {
	row := make([]float64, e.Width())
	if ev.Network == nil {
		return row
	}

	for _, f := range categoricalFields {
		if i, ok := e.index[f][categoryValue(ev.Network, f)]; ok {
			row[i] = 1
		}
	}

	ts := ev.Timestamp.UTC()
	n := len(row)
	row[n-3] = float64(ts.Hour())
	// Monday is day 0
	row[n-2] = float64((int(ts.Weekday()) + 6) % 7)
	port := missingPort
	if ev.Network.Port != nil {
		port = *ev.Network.Port
	}
	row[n-1] = float64(port)

	return row
}

// TransformAll encodes a batch
func (e *Encoder) TransformAll(events []*model.Event) [][]float64 {
	rows := make([][]float64, 0, len(events))
	for _, ev := range events {
		rows = append(rows, e.Transform(ev))
	}
	return rows
}

func categoryValue(n *model.NetworkFields, field string) string {
	switch field {
	case "log_source":
		return n.LogSource
	case "protocol":
		return n.Protocol
	case "action":
		return n.Action
	}
	return ""
}
