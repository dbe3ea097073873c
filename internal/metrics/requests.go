// -------------------------------------------------------------------------------
// Request Counter - Per-Endpoint Request Aggregation
//
// Aggregates observed HTTP requests into compact per-endpoint summaries keyed
// by (consumer, method, path, status code). Counters and histograms are
// incremented on the hot path under a single mutex and drained atomically by
// the sync engine. Response times are binned to 10ms, body sizes to 1KB, to
// keep histogram cardinality bounded.
// -------------------------------------------------------------------------------

package metrics

import (
	"math"
	"strings"
	"sync"
	"time"
)

// RequestKey identifies one aggregation bucket for request metrics.
type RequestKey struct {
	Consumer   string
	Method     string
	Path       string
	StatusCode int
}

// RequestsItem is one drained aggregation entry, shaped for the sync payload.
type RequestsItem struct {
	Consumer        string        `json:"consumer,omitempty"`
	Method          string        `json:"method"`
	Path            string        `json:"path"`
	StatusCode      int           `json:"status_code"`
	RequestCount    int64         `json:"request_count"`
	RequestSizeSum  int64         `json:"request_size_sum"`
	ResponseSizeSum int64         `json:"response_size_sum"`
	ResponseTimes   map[int]int64 `json:"response_times"`
	RequestSizes    map[int]int64 `json:"request_sizes"`
	ResponseSizes   map[int]int64 `json:"response_sizes"`
}

// RequestCounter accumulates per-endpoint request metrics between syncs.
type RequestCounter struct {
	mu               sync.Mutex
	requestCounts    map[RequestKey]int64
	requestSizeSums  map[RequestKey]int64
	responseSizeSums map[RequestKey]int64
	responseTimes    map[RequestKey]map[int]int64
	requestSizes     map[RequestKey]map[int]int64
	responseSizes    map[RequestKey]map[int]int64
}

// NewRequestCounter creates an empty request counter.
func NewRequestCounter() *RequestCounter {
	c := &RequestCounter{}
	c.reset()
	return c
}

func (c *RequestCounter) reset() {
	c.requestCounts = make(map[RequestKey]int64)
	c.requestSizeSums = make(map[RequestKey]int64)
	c.responseSizeSums = make(map[RequestKey]int64)
	c.responseTimes = make(map[RequestKey]map[int]int64)
	c.requestSizes = make(map[RequestKey]map[int]int64)
	c.responseSizes = make(map[RequestKey]map[int]int64)
}

// AddRequest records one observed request. Pass a negative requestSize or
// responseSize when the size is unknown; negative sizes are not counted.
// The critical section is a handful of map operations, safe to call from
// request-handling goroutines.
func (c *RequestCounter) AddRequest(consumer, method, path string, statusCode int, responseTime time.Duration, requestSize, responseSize int64) {
	key := RequestKey{
		Consumer:   consumer,
		Method:     strings.ToUpper(method),
		Path:       path,
		StatusCode: statusCode,
	}
	timeBin := ResponseTimeBin(responseTime)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestCounts[key]++
	binInto(c.responseTimes, key, timeBin)
	if requestSize >= 0 {
		c.requestSizeSums[key] += requestSize
		binInto(c.requestSizes, key, SizeBin(requestSize))
	}
	if responseSize >= 0 {
		c.responseSizeSums[key] += responseSize
		binInto(c.responseSizes, key, SizeBin(responseSize))
	}
}

// GetAndResetRequests atomically drains all accumulated entries. The returned
// snapshot contains exactly the increments observed before the call; the
// counter is left empty.
func (c *RequestCounter) GetAndResetRequests() []RequestsItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := make([]RequestsItem, 0, len(c.requestCounts))
	for key, count := range c.requestCounts {
		items = append(items, RequestsItem{
			Consumer:        key.Consumer,
			Method:          key.Method,
			Path:            key.Path,
			StatusCode:      key.StatusCode,
			RequestCount:    count,
			RequestSizeSum:  c.requestSizeSums[key],
			ResponseSizeSum: c.responseSizeSums[key],
			ResponseTimes:   orEmpty(c.responseTimes[key]),
			RequestSizes:    orEmpty(c.requestSizes[key]),
			ResponseSizes:   orEmpty(c.responseSizes[key]),
		})
	}
	c.reset()
	return items
}

// ResponseTimeBin converts a response time to its histogram bucket: the
// duration in milliseconds rounded down to the nearest 10ms.
func ResponseTimeBin(d time.Duration) int {
	return int(math.Floor(d.Seconds()/0.01)) * 10
}

// SizeBin converts a byte size to its histogram bucket: kilobytes rounded
// down to the nearest 1KB.
func SizeBin(size int64) int {
	return int(size / 1000)
}

func binInto(m map[RequestKey]map[int]int64, key RequestKey, bin int) {
	h, ok := m[key]
	if !ok {
		h = make(map[int]int64)
		m[key] = h
	}
	h[bin]++
}

func orEmpty(h map[int]int64) map[int]int64 {
	if h == nil {
		return map[int]int64{}
	}
	return h
}
