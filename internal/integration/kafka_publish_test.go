//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/couchcryptid/quake-cache-service/internal/adapter/kafka"
	"github.com/couchcryptid/quake-cache-service/internal/adapter/store"
	"github.com/couchcryptid/quake-cache-service/internal/adapter/usgs"
	"github.com/couchcryptid/quake-cache-service/internal/config"
	"github.com/couchcryptid/quake-cache-service/internal/domain"
	"github.com/couchcryptid/quake-cache-service/internal/engine"
	"github.com/couchcryptid/quake-cache-service/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("quake-cache-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
}

type publishedMessage struct {
	Record  domain.EventRecord
	Key     string
	Headers map[string]string
}

func readPublished(ctx context.Context, t *testing.T, consumer *kafkago.Reader) publishedMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from events topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var record domain.EventRecord
	require.NoError(t, json.Unmarshal(msg.Value, &record))
	return publishedMessage{Record: record, Key: string(msg.Key), Headers: headers}
}

func newConsumer(broker, topic string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       topic,
		Partition:   0,
		StartOffset: kafkago.FirstOffset,
		MaxWait:     500 * time.Millisecond,
	})
}

// TestPublisher verifies keys, headers and payloads survive a round trip
// through a real broker.
func TestPublisher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	const topic = "quake-events-publisher"
	createTopic(t, broker, topic)

	cfg := &config.Config{KafkaBrokers: []string{broker}, KafkaTopic: topic}
	pub := kafka.NewPublisher(cfg, observability.NewMetricsForTesting(), discardLogger())
	t.Cleanup(func() { _ = pub.Close() })

	mag := 5.4
	at := time.Date(2024, 1, 1, 7, 10, 9, 0, time.UTC)
	records := []domain.EventRecord{
		{ID: "us7000lsze", TimestampMs: at.UnixMilli(), Magnitude: &mag, Latitude: 37.5, Longitude: 137.2, DepthKm: 10},
		{ID: "ak0240000002", TimestampMs: at.Add(time.Minute).UnixMilli(), Latitude: 61.2, Longitude: -150.1},
	}
	require.NoError(t, pub.Publish(ctx, records))

	consumer := newConsumer(broker, topic)
	t.Cleanup(func() { _ = consumer.Close() })

	first := readPublished(ctx, t, consumer)
	assert.Equal(t, "us7000lsze", first.Key)
	assert.Equal(t, "5.4", first.Headers["magnitude"])
	assert.Equal(t, at.Format(time.RFC3339), first.Headers["event_time"])
	assert.Equal(t, records[0], first.Record)

	second := readPublished(ctx, t, consumer)
	assert.Equal(t, "ak0240000002", second.Key)
	assert.Empty(t, second.Headers["magnitude"])
	assert.Nil(t, second.Record.Magnitude)
}

// catalogServer serves GeoJSON for its events whose time lies inside the
// requested window.
type catalogServer struct {
	mu     sync.Mutex
	events []domain.EventRecord
}

func (c *catalogServer) add(r domain.EventRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, r)
}

func (c *catalogServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("starttime"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("endtime"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	features := make([]map[string]any, 0, len(c.events))
	for _, e := range c.events {
		if e.TimestampMs < start.UnixMilli() || e.TimestampMs >= end.UnixMilli() {
			continue
		}
		features = append(features, map[string]any{
			"type":       "Feature",
			"id":         e.ID,
			"properties": map[string]any{"mag": *e.Magnitude, "time": e.TimestampMs},
			"geometry":   map[string]any{"type": "Point", "coordinates": []float64{e.Longitude, e.Latitude, e.DepthKm}},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"type": "FeatureCollection", "features": features})
}

// TestTopOffPublishesNewEvents runs a query against a stub catalog, adds an
// event, and expects top-off to publish exactly that event.
func TestTopOffPublishesNewEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	const topic = "quake-events-topoff"
	createTopic(t, broker, topic)

	now := time.Now().UTC()
	mag := 3.3
	catalog := &catalogServer{}
	catalog.add(domain.EventRecord{ID: "old", TimestampMs: now.Add(-time.Hour).UnixMilli(), Magnitude: &mag, Latitude: 35, Longitude: -118, DepthKm: 5})
	srv := httptest.NewServer(catalog)
	t.Cleanup(srv.Close)

	metrics := observability.NewMetricsForTesting()
	logger := discardLogger()
	upstream := usgs.NewClient(usgs.Options{BaseURL: srv.URL, Timeout: 5 * time.Second, ResultLimit: 20000}, metrics, logger)
	pub := kafka.NewPublisher(&config.Config{KafkaBrokers: []string{broker}, KafkaTopic: topic}, metrics, logger)
	t.Cleanup(func() { _ = pub.Close() })

	opts := engine.DefaultOptions()
	opts.RegionDelay = 0
	eng := engine.New(store.NewMemory(), upstream, pub, logger, metrics, opts)

	res, err := eng.Query(ctx, domain.CacheQuery{
		Start:     now.AddDate(0, 0, -1),
		End:       now,
		Magnitude: domain.MagnitudeRange{Min: 2, Max: 10},
		Region:    domain.RegionWorld,
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	// Published after the query read the catalog.
	fresh := time.Now().UTC().Add(time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	catalog.add(domain.EventRecord{ID: "fresh", TimestampMs: fresh.UnixMilli(), Magnitude: &mag, Latitude: 35, Longitude: -118, DepthKm: 5})

	n, err := eng.TopOff(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the added event is new")

	consumer := newConsumer(broker, topic)
	t.Cleanup(func() { _ = consumer.Close() })
	msg := readPublished(ctx, t, consumer)
	assert.Equal(t, "fresh", msg.Key)
}
