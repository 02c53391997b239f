package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	NameUnknown = "unknown"

	// 载体中的固定键名
	KeyTraceID      = "trace-id"
	KeySpanID       = "span-id"
	KeyParentSpanID = "parent-span-id"
	KeySampled      = "sampled"
)

// for root
var (
	Debug       = false
	ServiceName = NameUnknown
)

// for pkg tracer
var (
	// always | never | ratio
	Sampler     = "always"
	SampleRatio = 1.0

	// Reporter 队列容量，满后丢弃最新的 Span
	ReporterQueueSize = 1024
	// 每批导出的 Span 数量
	ReporterBatchSize = 50
	// 未攒满一批时的导出间隔
	ReporterFlushInterval = time.Second
	// 单批最多尝试次数，之后丢弃
	ReporterMaxAttempts = 5
	// 首次重试的等待时间
	ReporterRetryInterval = 100 * time.Millisecond
)

// for pkg bus
var (
	// memory | redis | nats | kafka
	BusType          = "memory"
	BusAddress       = ""
	BusTopicPrefix   = ""
	BusConsumerGroup = ""

	// Span 导出所用的 topic，沿用 Sleuth 的命名
	SpanTopic    = "sleuth"
	MessageTopic = "messages"
)

// for cmd collector
var (
	// memory | mysql | sqlite
	CollectorStore = "memory"
	CollectorDSN   = ""
	// 内存存储中保留的 trace 上限
	MaxNumTrace = 4096
	// 超过该时间没有新片段到达，才认为 trace 完整
	Quiescence = 5 * time.Second
	// 早于 now-Retention 的 trace 会被清理
	Retention     = 24 * time.Hour
	PruneSchedule = "@every 1m"
	Listen        = ":9411"
	// none | stdout | otlp
	Forward = "none"
	// 总线上的一批 Span 入库失败时的最多尝试次数
	IngestMaxAttempts   = 5
	IngestRetryInterval = 100 * time.Millisecond
)

// for cmd relay
var (
	// message-service | message-client
	RelayRole   = "message-service"
	RelayListen = ":8080"
	// message-client 调用 message-service 的地址
	RelayServiceURL = "http://127.0.0.1:8080"
)

// for DB
var (
	// 测试账号
	SPANFLOW_DEFAULT_DSN = "root:@tcp(127.0.0.1:9030)/spanflow"
)

// Load overrides the package defaults with whatever vp carries.
// A nil vp keeps the defaults, which is what tests rely on.
func Load(vp *viper.Viper) {
	if vp == nil {
		return
	}
	setString(vp, "service-name", &ServiceName)
	setString(vp, "sampler", &Sampler)
	setFloat(vp, "sample-ratio", &SampleRatio)

	setInt(vp, "reporter.queue-size", &ReporterQueueSize)
	setInt(vp, "reporter.batch-size", &ReporterBatchSize)
	setDuration(vp, "reporter.flush-interval", &ReporterFlushInterval)
	setInt(vp, "reporter.max-attempts", &ReporterMaxAttempts)
	setDuration(vp, "reporter.retry-interval", &ReporterRetryInterval)

	setString(vp, "bus.type", &BusType)
	setString(vp, "bus.address", &BusAddress)
	setString(vp, "bus.topic-prefix", &BusTopicPrefix)
	setString(vp, "bus.consumer-group", &BusConsumerGroup)
	setString(vp, "span-topic", &SpanTopic)
	setString(vp, "message-topic", &MessageTopic)

	setString(vp, "collector.store", &CollectorStore)
	setString(vp, "collector.dsn", &CollectorDSN)
	setInt(vp, "collector.max-traces", &MaxNumTrace)
	setDuration(vp, "collector.quiescence", &Quiescence)
	setDuration(vp, "collector.retention", &Retention)
	setString(vp, "collector.prune-schedule", &PruneSchedule)
	setString(vp, "collector.listen", &Listen)
	setString(vp, "collector.forward", &Forward)
	setInt(vp, "collector.ingest-max-attempts", &IngestMaxAttempts)
	setDuration(vp, "collector.ingest-retry-interval", &IngestRetryInterval)

	setString(vp, "relay.role", &RelayRole)
	setString(vp, "relay.listen", &RelayListen)
	setString(vp, "relay.service-url", &RelayServiceURL)

	initLogrus(vp)
}

func setString(vp *viper.Viper, key string, dst *string) {
	if vp.IsSet(key) {
		*dst = vp.GetString(key)
	}
}

func setInt(vp *viper.Viper, key string, dst *int) {
	if vp.IsSet(key) {
		*dst = vp.GetInt(key)
	}
}

func setFloat(vp *viper.Viper, key string, dst *float64) {
	if vp.IsSet(key) {
		*dst = vp.GetFloat64(key)
	}
}

func setDuration(vp *viper.Viper, key string, dst *time.Duration) {
	if vp.IsSet(key) {
		*dst = vp.GetDuration(key)
	}
}
