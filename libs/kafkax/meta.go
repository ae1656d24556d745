package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// FeedMeta is the metadata carried on change-feed messages. The CDC
// producer sets these as headers; the record id doubles as the message
// key so mutations to one record stay on one partition.
type FeedMeta struct {
	Op        string // "c", "u" or "d"
	RecordID  string
	MutatedAt string // RFC3339
}

func ExtractFeedMeta(msg kafka.Message) FeedMeta {
	meta := FeedMeta{
		Op:        HeaderValue(msg.Headers, "op"),
		RecordID:  HeaderValue(msg.Headers, "record_id"),
		MutatedAt: HeaderValue(msg.Headers, "mutated_at"),
	}
	if meta.RecordID == "" {
		meta.RecordID = string(msg.Key)
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
