package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
)

// Label names shared by every per-user family, in exposition order.
const (
	LabelNamespace       = "namespace"
	LabelUsergroup       = "usergroup"
	LabelUsername        = "username"
	LabelUsernameEscaped = "username_escaped"
)

// UserLabels is the label set of every per-user family.
var UserLabels = []string{LabelNamespace, LabelUsergroup, LabelUsername, LabelUsernameEscaped}

// Row is one exported series: label values in the family's label order and
// the sample value.
type Row struct {
	Labels []string
	Value  float64
}

func (r Row) key() string {
	return strings.Join(r.Labels, "\xff")
}

// GaugeFamily is a gauge whose complete series set is replaced at once.
//
// Replace swaps the rows under the write lock and Collect reads them under
// the read lock, so a scrape observes either the previous or the new set and
// never a mix. Series missing from a replacement disappear from the next
// scrape.
type GaugeFamily struct {
	desc       *prometheus.Desc
	name       string
	labelNames []string

	mu   sync.RWMutex
	rows []Row
}

// NewGaugeFamily creates an empty family.
func NewGaugeFamily(name, help string, labelNames []string) *GaugeFamily {
	names := append([]string(nil), labelNames...)
	return &GaugeFamily{
		desc:       prometheus.NewDesc(name, help, names, nil),
		name:       name,
		labelNames: names,
	}
}

// Name returns the fully qualified metric name.
func (f *GaugeFamily) Name() string { return f.name }

// Replace installs rows as the family's complete series set. Rows with the
// same label values collapse to the last one. Every row must carry one valid
// UTF-8 value per label; otherwise the previous set stays exposed.
func (f *GaugeFamily) Replace(rows []Row) error {
	byKey := make(map[string]Row, len(rows))
	for _, r := range rows {
		if len(r.Labels) != len(f.labelNames) {
			return fmt.Errorf("%s: row has %d label values, want %d", f.name, len(r.Labels), len(f.labelNames))
		}
		for i, v := range r.Labels {
			if !model.LabelValue(v).IsValid() {
				return fmt.Errorf("%s: label %q has invalid value %q", f.name, f.labelNames[i], v)
			}
		}
		byKey[r.key()] = Row{Labels: append([]string(nil), r.Labels...), Value: r.Value}
	}

	next := make([]Row, 0, len(byKey))
	for _, r := range byKey {
		next = append(next, r)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].key() < next[j].key() })

	f.mu.Lock()
	f.rows = next
	f.mu.Unlock()
	return nil
}

// Rows returns a copy of the current series set in label order.
func (f *GaugeFamily) Rows() []Row {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Row, len(f.rows))
	copy(out, f.rows)
	return out
}

// Len returns the number of exported series.
func (f *GaugeFamily) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rows)
}

// Describe implements prometheus.Collector.
func (f *GaugeFamily) Describe(ch chan<- *prometheus.Desc) {
	ch <- f.desc
}

// Collect implements prometheus.Collector.
func (f *GaugeFamily) Collect(ch chan<- prometheus.Metric) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, r := range f.rows {
		m, err := prometheus.NewConstMetric(f.desc, prometheus.GaugeValue, r.Value, r.Labels...)
		if err != nil {
			m = prometheus.NewInvalidMetric(f.desc, err)
		}
		ch <- m
	}
}
