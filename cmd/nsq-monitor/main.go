package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_intake/internal/config"
	"github.com/austindbirch/harbor_intake/internal/health"
	"github.com/austindbirch/harbor_intake/internal/logging"
)

// nsqStats is the part of nsqd's /stats?format=json response we read.
type nsqStats struct {
	Topics []struct {
		TopicName    string `json:"topic_name"`
		MessageCount int64  `json:"message_count"`
		Depth        int64  `json:"depth"`
		Channels     []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// monitor exports the dead letter topic's backlog so exhausted deliveries
// can be alerted on.
type monitor struct {
	statsURL string
	topic    string
	client   *http.Client
	log      *logging.Logger

	backlog         prometheus.Gauge
	published       prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(reg prometheus.Registerer, nsqdHTTPAddr, topic string, log *logging.Logger) *monitor {
	m := &monitor{
		statsURL: fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, topic),
		topic:    topic,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log,
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborhook_dead_letter_backlog",
			Help: "Dead letters waiting in the topic and its channels",
		}),
		published: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborhook_dead_letter_messages",
			Help: "Dead letters published to the topic since nsqd started",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborhook_nsq_channel_depth",
			Help: "Depth of dead letter channels",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborhook_nsq_channel_inflight",
			Help: "In-flight messages of dead letter channels",
		}, []string{"topic", "channel"}),
	}
	reg.MustRegister(m.backlog, m.published, m.channelDepth, m.channelInflight)
	return m
}

// update polls nsqd once. A topic nsqd has not seen yet reports zero.
func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	var backlog, published int64
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		backlog += topic.Depth
		published = topic.MessageCount
		for _, ch := range topic.Channels {
			backlog += ch.Depth
			m.channelDepth.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	m.backlog.Set(float64(backlog))
	m.published.Set(float64(published))
	return nil
}

// Ping lets the monitor report nsqd reachability on /healthz.
func (m *monitor) Ping(ctx context.Context) error {
	return m.update(ctx)
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.update(ctx); err != nil && ctx.Err() == nil {
			m.log.Plain().WithError(err).Warn("error updating dead letter metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	logger := logging.New("harborhook-nsq-monitor")
	logging.SetDefaultService("harborhook-nsq-monitor")

	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := newMonitor(reg, cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.DLQTopic, logger)
	go m.run(ctx, cfg.NSQ.MonitorInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.HTTPHandler(health.Probe{Name: "nsqd", Pinger: m}))
	srv := &http.Server{Addr: cfg.NSQ.MonitorPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"port":     cfg.NSQ.MonitorPort,
		"nsqd":     cfg.NSQ.NsqdHTTPAddr,
		"topic":    cfg.NSQ.DLQTopic,
		"interval": cfg.NSQ.MonitorInterval.String(),
	}).Info("nsq monitor starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("nsq monitor failed")
	}
}
