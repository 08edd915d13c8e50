package rag

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 聚合检索核心的 Prometheus 指标。
// 所有观测方法对 nil 接收者安全，未接入监控时传 nil 即可。
type Metrics struct {
	retrievalTotal    *prometheus.CounterVec
	retrievalDuration prometheus.Histogram
	mergedCandidates  prometheus.Histogram
	expansionFallback prometheus.Counter
	rerankFallback    prometheus.Counter
	embeddingBatches  *prometheus.CounterVec
	embeddedChunks    *prometheus.CounterVec
}

// NewMetrics 在给定 registerer 上注册并返回指标集。
// reg 为 nil 时使用默认注册表。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		retrievalTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Total retrieval requests by outcome.",
		}, []string{"status"}),
		retrievalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "End-to-end retrieval latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		mergedCandidates: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "retrieval",
			Name:      "merged_candidates",
			Help:      "Candidate count after cross-variant merge.",
			Buckets:   []float64{0, 5, 10, 20, 40, 80, 160},
		}),
		expansionFallback: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "retrieval",
			Name:      "expansion_fallback_total",
			Help:      "Query expansions that fell back to the original query.",
		}),
		rerankFallback: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "retrieval",
			Name:      "rerank_fallback_total",
			Help:      "Rerank calls that fell back to combined scores.",
		}),
		embeddingBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "embedding",
			Name:      "batches_total",
			Help:      "Embedding batch requests by outcome.",
		}, []string{"status"}),
		embeddedChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "embedding",
			Name:      "chunks_total",
			Help:      "Chunks embedded and stored, by outcome.",
		}, []string{"status"}),
	}
}

// ObserveRetrieval 记录一次检索请求的结果与耗时。
func (m *Metrics) ObserveRetrieval(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.retrievalTotal.WithLabelValues(status).Inc()
	m.retrievalDuration.Observe(elapsed.Seconds())
}

// ObserveMergedCandidates 记录合并去重后的候选总数。
func (m *Metrics) ObserveMergedCandidates(n int) {
	if m == nil {
		return
	}
	m.mergedCandidates.Observe(float64(n))
}

// IncExpansionFallback 记录一次扩展降级。
func (m *Metrics) IncExpansionFallback() {
	if m == nil {
		return
	}
	m.expansionFallback.Inc()
}

// IncRerankFallback 记录一次重排降级。
func (m *Metrics) IncRerankFallback() {
	if m == nil {
		return
	}
	m.rerankFallback.Inc()
}

// ObserveEmbeddingBatch 记录一次嵌入批请求的结果。
func (m *Metrics) ObserveEmbeddingBatch(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.embeddingBatches.WithLabelValues(status).Inc()
}

// AddEmbeddedChunks 累计回填成功与失败的块数。
func (m *Metrics) AddEmbeddedChunks(processed, failed int) {
	if m == nil {
		return
	}
	if processed > 0 {
		m.embeddedChunks.WithLabelValues("ok").Add(float64(processed))
	}
	if failed > 0 {
		m.embeddedChunks.WithLabelValues("error").Add(float64(failed))
	}
}
