package bus

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/embedx/evbus/core/alloc"
	"github.com/embedx/evbus/core/events"
	"github.com/embedx/evbus/errs"
)

// ListenerInfo is a point-in-time view of one registered listener.
type ListenerInfo struct {
	Name     string         `json:"name"`
	Sink     string         `json:"sink"`
	Topics   []events.Topic `json:"topics"`
	ErrFull  bool           `json:"errFull"`
	Refs     int32          `json:"refs"`
	QueueLen int            `json:"queueLen,omitempty"`
	QueueCap int            `json:"queueCap,omitempty"`
}

// Listeners snapshots the registry through the dispatcher, so the view is
// consistent with command order.
func (b *Bus) Listeners(ctx context.Context) ([]ListenerInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := command{op: opInspect, inspect: make(chan []ListenerInfo, 1)}
	cmd.reply = make(chan error, 1)
	select {
	case b.inbox <- cmd:
	case <-b.done:
		return nil, busClosedErr()
	case <-ctx.Done():
		return nil, fmt.Errorf("bus: enqueue inspect command: %w", ctx.Err())
	}
	select {
	case infos := <-cmd.inspect:
		<-cmd.reply
		return infos, nil
	case <-b.runDone:
		select {
		case infos := <-cmd.inspect:
			return infos, nil
		default:
			return nil, busClosedErr()
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("bus: await inspect snapshot: %w", ctx.Err())
	}
}

// DumpListeners renders the listener table as readable text.
func (b *Bus) DumpListeners(ctx context.Context) (string, error) {
	infos, err := b.Listeners(ctx)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-24s %-9s %-7s %-8s %s\n", "LISTENER", "SINK", "REFS", "ERRFULL", "TOPICS"))
	for _, info := range infos {
		topics := make([]string, 0, len(info.Topics))
		for _, t := range info.Topics {
			topics = append(topics, fmt.Sprintf("%d", t))
		}
		sink := info.Sink
		if info.Sink == "queue" {
			sink = fmt.Sprintf("queue %d/%d", info.QueueLen, info.QueueCap)
		}
		sb.WriteString(fmt.Sprintf("%-24s %-9s %-7d %-8t %s\n",
			info.Name, sink, info.Refs, info.ErrFull, strings.Join(topics, ",")))
	}
	return sb.String(), nil
}

// ListenerTableJSON renders the listener table as JSON. Payload bytes never
// appear in the table, so HTML escaping is skipped.
func (b *Bus) ListenerTableJSON(ctx context.Context) ([]byte, error) {
	infos, err := b.Listeners(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalNoEscape(infos)
	if err != nil {
		return nil, fmt.Errorf("bus: encode listener table: %w", err)
	}
	return data, nil
}

// PoolReport is the JSON shape of one pool tier in a debug report.
type PoolReport struct {
	Name      string `json:"name"`
	BlockSize int    `json:"blockSize"`
	InUse     int    `json:"inUse"`
	HighWater int    `json:"highWater"`
	Blocks    int    `json:"blocks"`
}

// TopicReport is the JSON shape of one topic's delivery latency.
type TopicReport struct {
	Topic     events.Topic `json:"topic"`
	MinMicros int64        `json:"minMicros"`
	MaxMicros int64        `json:"maxMicros"`
	Count     uint64       `json:"count"`
}

// DebugReport bundles every introspection surface into one document.
type DebugReport struct {
	Listeners    []ListenerInfo `json:"listeners"`
	Pools        []PoolReport   `json:"pools"`
	PoolsHealthy bool           `json:"poolsHealthy"`
	Latency      []TopicReport  `json:"latency"`
}

// DebugJSON snapshots listeners, pools, and per-topic latency as one JSON
// document, suitable for a diagnostic endpoint or shell dump.
func (b *Bus) DebugJSON(ctx context.Context) ([]byte, error) {
	infos, err := b.Listeners(ctx)
	if err != nil {
		return nil, err
	}
	report := DebugReport{
		Listeners:    infos,
		PoolsHealthy: b.alloc.Integrity(),
	}
	for _, s := range b.alloc.Stats() {
		report.Pools = append(report.Pools, PoolReport{
			Name:      s.Name,
			BlockSize: s.BlockSize,
			InUse:     s.Info.InUse,
			HighWater: s.Info.HighWater,
			Blocks:    s.Info.BlockCount,
		})
	}
	for topic, s := range b.latency.snapshot() {
		if s.Count == 0 {
			continue
		}
		report.Latency = append(report.Latency, TopicReport{
			Topic:     events.Topic(topic),
			MinMicros: s.Min.Microseconds(),
			MaxMicros: s.Max.Microseconds(),
			Count:     s.Count,
		})
	}
	data, err := json.MarshalNoEscape(report)
	if err != nil {
		return nil, fmt.Errorf("bus: encode debug report: %w", err)
	}
	return data, nil
}

// PoolStats reports accounting for the three envelope pools.
func (b *Bus) PoolStats() []alloc.TierStats {
	return b.alloc.Stats()
}

// PoolsHealthy verifies the free list and accounting of every pool.
func (b *Bus) PoolsHealthy() bool {
	return b.alloc.Integrity()
}

// DumpPools renders pool accounting as readable text.
func (b *Bus) DumpPools() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-8s %-10s %-8s %-8s %-10s\n", "POOL", "BLOCKSIZE", "INUSE", "HIGH", "BLOCKS"))
	for _, s := range b.alloc.Stats() {
		sb.WriteString(fmt.Sprintf("%-8s %-10d %-8d %-8d %-10d\n",
			s.Name, s.BlockSize, s.Info.InUse, s.Info.HighWater, s.Info.BlockCount))
	}
	return sb.String()
}

// TopicLatency reports the min/max delivery latency observed for the topic.
// ok is false until the topic has seen at least one delivery.
func (b *Bus) TopicLatency(topic events.Topic) (LatencyStats, bool) {
	b.checkTopic(topic)
	return b.latency.get(int(topic))
}

// DumpLatency renders per-topic delivery latency for topics with data.
func (b *Bus) DumpLatency() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-7s %-12s %-12s %s\n", "TOPIC", "MIN", "MAX", "COUNT"))
	for topic, s := range b.latency.snapshot() {
		if s.Count == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("%-7d %-12s %-12s %d\n", topic, s.Min, s.Max, s.Count))
	}
	return sb.String()
}

func busClosedErr() error {
	return errs.New("bus", errs.CodeUnavailable, errs.WithMessage("bus closed"))
}
