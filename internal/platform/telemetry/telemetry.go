// Package telemetry keeps in-process request and job metrics and serves them
// in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// durationBuckets are upper bounds in seconds for request latency.
var durationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export.
type histogram struct {
	bounds []float64
	mu     sync.Mutex
	counts []int64
	count  int64
	sum    uint64 // math.Float64bits
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{bounds: bounds, counts: make([]int64, len(bounds))}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.bounds {
		if v <= b {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.counts))
	var running int64
	for i, c := range h.counts {
		running += c
		out[i] = running
	}
	return out
}

type gaugeFunc struct {
	help string
	fn   func() float64
}

// Metrics is safe for concurrent use. The zero value is not usable; call New.
type Metrics struct {
	mu       sync.RWMutex
	requests map[string]*histogram // method|route|status
	counters map[string]*int64     // name|labels
	gauges   map[string]*int64
	help     map[string]string
	funcs    map[string]gaugeFunc

	active int64
}

func New() *Metrics {
	return &Metrics{
		requests: make(map[string]*histogram),
		counters: make(map[string]*int64),
		gauges:   make(map[string]*int64),
		help:     make(map[string]string),
		funcs:    make(map[string]gaugeFunc),
	}
}

// Describe sets the HELP text of a counter or gauge.
func (m *Metrics) Describe(name, help string) {
	m.mu.Lock()
	m.help[name] = help
	m.mu.Unlock()
}

// labelKey renders k1, v1, k2, v2... as name{k1="v1",k2="v2"}.
func labelKey(name string, labels []string) string {
	if len(labels) < 2 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i+1 < len(labels); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", labels[i], labels[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

func (m *Metrics) slot(store map[string]*int64, key string) *int64 {
	m.mu.RLock()
	p, ok := store[key]
	m.mu.RUnlock()
	if ok {
		return p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = store[key]; !ok {
		p = new(int64)
		store[key] = p
	}
	return p
}

// Inc adds one to the counter name with the given label pairs.
func (m *Metrics) Inc(name string, labels ...string) {
	atomic.AddInt64(m.slot(m.counters, labelKey(name, labels)), 1)
}

// Set stores v in the gauge name with the given label pairs.
func (m *Metrics) Set(name string, v int64, labels ...string) {
	atomic.StoreInt64(m.slot(m.gauges, labelKey(name, labels)), v)
}

// Counter reads a counter; missing counters read as zero.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	m.mu.RLock()
	p, ok := m.counters[labelKey(name, labels)]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// GaugeFunc registers a gauge whose value is read at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.mu.Lock()
	m.funcs[name] = gaugeFunc{help: help, fn: fn}
	m.mu.Unlock()
}

// Middleware records latency per method, route pattern and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&m.active, -1)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			key := c.Request().Method + "|" + route + "|" + strconv.Itoa(status)

			m.mu.RLock()
			h, ok := m.requests[key]
			m.mu.RUnlock()
			if !ok {
				m.mu.Lock()
				if h, ok = m.requests[key]; !ok {
					h = newHistogram(durationBuckets)
					m.requests[key] = h
				}
				m.mu.Unlock()
			}
			h.observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves every metric in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.expose())
	}
}

func (m *Metrics) expose() string {
	var b strings.Builder

	m.mu.RLock()
	requests := make(map[string]*histogram, len(m.requests))
	for k, v := range m.requests {
		requests[k] = v
	}
	counters := snapshot(m.counters)
	gauges := snapshot(m.gauges)
	help := make(map[string]string, len(m.help))
	for k, v := range m.help {
		help[k] = v
	}
	funcs := make(map[string]gaugeFunc, len(m.funcs))
	for k, v := range m.funcs {
		funcs[k] = v
	}
	m.mu.RUnlock()

	const reqName = "http_server_request_duration_seconds"
	b.WriteString("# HELP " + reqName + " Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE " + reqName + " histogram\n")
	for _, key := range sortedKeys(requests) {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, reqName, labels, requests[key])
	}
	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n", atomic.LoadInt64(&m.active))

	writeFamily(&b, "counter", counters, help)
	writeFamily(&b, "gauge", gauges, help)

	for _, name := range sortedKeys(funcs) {
		f := funcs[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, f.help, name, name, f.fn())
	}
	return b.String()
}

func snapshot(store map[string]*int64) map[string]int64 {
	out := make(map[string]int64, len(store))
	for k, p := range store {
		out[k] = atomic.LoadInt64(p)
	}
	return out
}

// writeFamily groups series by metric name so each name gets one HELP and
// TYPE header.
func writeFamily(b *strings.Builder, typ string, series map[string]int64, help map[string]string) {
	lastName := ""
	for _, key := range sortedKeys(series) {
		name := key
		if i := strings.IndexByte(key, '{'); i >= 0 {
			name = key[:i]
		}
		if name != lastName {
			if h, ok := help[name]; ok {
				fmt.Fprintf(b, "# HELP %s %s\n", name, h)
			}
			fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
			lastName = name
		}
		fmt.Fprintf(b, "%s %d\n", key, series[key])
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulative()
	total := atomic.LoadInt64(&h.count)
	for i, bound := range h.bounds {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, bound, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, math.Float64frombits(atomic.LoadUint64(&h.sum)))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
