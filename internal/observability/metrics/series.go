package metrics

import (
	"slices"
	"sort"
	"strconv"
	"strings"
)

const labelSep = "\xff"

// series is a family of samples keyed by ordered label values. Callers hold
// the owning collector's lock.
type series struct {
	name   string
	help   string
	kind   string
	labels []string
	values map[string]float64
}

func newSeries(kind, name, help string, labels ...string) *series {
	return &series{name: name, help: help, kind: kind, labels: labels, values: make(map[string]float64)}
}

func (s *series) add(delta float64, labelValues ...string) {
	s.values[strings.Join(labelValues, labelSep)] += delta
}

func (s *series) set(v float64, labelValues ...string) {
	s.values[strings.Join(labelValues, labelSep)] = v
}

func (s *series) get(labelValues ...string) float64 {
	return s.values[strings.Join(labelValues, labelSep)]
}

func (s *series) write(b *strings.Builder) {
	b.WriteString("# HELP " + s.name + " " + s.help + "\n")
	b.WriteString("# TYPE " + s.name + " " + s.kind + "\n")
	for _, key := range sortedKeys(s.values) {
		b.WriteString(s.name)
		b.WriteString(labelSet(s.labels, strings.Split(key, labelSep)))
		b.WriteString(" " + formatFloat(s.values[key]) + "\n")
	}
}

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type bucketCounts struct {
	counts []uint64
	sum    float64
	count  uint64
}

// histogram keeps cumulative bucket counts per label set.
type histogram struct {
	name    string
	help    string
	labels  []string
	buckets []float64
	values  map[string]*bucketCounts
}

func newHistogram(name, help string, buckets []float64, labels ...string) *histogram {
	return &histogram{name: name, help: help, labels: labels, buckets: buckets, values: make(map[string]*bucketCounts)}
}

func (h *histogram) observe(v float64, labelValues ...string) {
	key := strings.Join(labelValues, labelSep)
	bc := h.values[key]
	if bc == nil {
		bc = &bucketCounts{counts: make([]uint64, len(h.buckets))}
		h.values[key] = bc
	}
	bc.count++
	bc.sum += v
	for i, bound := range h.buckets {
		if v <= bound {
			bc.counts[i]++
		}
	}
}

func (h *histogram) write(b *strings.Builder) {
	b.WriteString("# HELP " + h.name + " " + h.help + "\n")
	b.WriteString("# TYPE " + h.name + " histogram\n")
	for _, key := range sortedKeys(h.values) {
		values := strings.Split(key, labelSep)
		bc := h.values[key]
		names := slices.Concat(h.labels, []string{"le"})
		for i, bound := range h.buckets {
			b.WriteString(h.name + "_bucket" + labelSet(names, slices.Concat(values, []string{formatFloat(bound)})))
			b.WriteString(" " + strconv.FormatUint(bc.counts[i], 10) + "\n")
		}
		b.WriteString(h.name + "_bucket" + labelSet(names, slices.Concat(values, []string{"+Inf"})))
		b.WriteString(" " + strconv.FormatUint(bc.count, 10) + "\n")
		b.WriteString(h.name + "_sum" + labelSet(h.labels, values) + " " + formatFloat(bc.sum) + "\n")
		b.WriteString(h.name + "_count" + labelSet(h.labels, values) + " " + strconv.FormatUint(bc.count, 10) + "\n")
	}
}

func labelSet(names, values []string) string {
	if len(names) == 0 {
		return ""
	}
	parts := make([]string, len(names))
	for i, name := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts[i] = name + `="` + escape(v) + `"`
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func escape(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `"`, `\"`)
	return strings.ReplaceAll(value, "\n", `\n`)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
