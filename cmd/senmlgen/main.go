package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"puclima/config"
	"puclima/services"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	rps        = flag.Int("rps", 1, "Messages per second")
	baseName   = flag.String("bn", "F803320100033CAE", "SenML base name of the simulated station")
	anomaly    = flag.Float64("anomaly", 0.05, "Probability of an out-of-range reading (0.0-1.0)")
	rainRate   = flag.Float64("rain", 0.0005, "Gauge increase per message in meters")
	reset      = flag.Int("reset-every", 0, "Reset the rain gauge every N messages (0 = never)")
	transport  = flag.String("transport", "mqtt", "mqtt or amqp")
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("user", "", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
	mqttTopic  = flag.String("topic", "konda", "MQTT topic to publish to")
)

// senmlRecord is one entry of a SenML pack
type senmlRecord struct {
	BaseName string   `json:"bn,omitempty"`
	BaseTime float64  `json:"bt,omitempty"`
	Name     string   `json:"n,omitempty"`
	Unit     string   `json:"u,omitempty"`
	Value    *float64 `json:"v,omitempty"`
}

type MockStation struct {
	baseName    string
	anomalyProb float64
	rainRate    float64
	resetEvery  int
	rainLevel   float64
	count       int
}

func NewMockStation(baseName string, anomalyProb, rainRate float64, resetEvery int) *MockStation {
	return &MockStation{
		baseName:    baseName,
		anomalyProb: anomalyProb,
		rainRate:    rainRate,
		resetEvery:  resetEvery,
	}
}

func round(v float64, places int) *float64 {
	p := math.Pow(10, float64(places))
	r := math.Round(v*p) / p
	return &r
}

// Next builds a SenML pack; the bool reports an out-of-range reading
func (m *MockStation) Next(now time.Time) ([]senmlRecord, bool) {
	m.count++

	isAnomaly := rand.Float64() < m.anomalyProb

	temperature := 24.0 + rand.Float64()*4.0 - 2.0
	humidity := 70.0 + rand.Float64()*10.0 - 5.0
	gust := 3.0 + rand.Float64()*4.0
	if isAnomaly {
		if rand.Float64() < 0.5 {
			temperature = 46.0 + rand.Float64()*3.0
		} else {
			gust = 21.0 + rand.Float64()*8.0
		}
	}

	if m.resetEvery > 0 && m.count%m.resetEvery == 0 {
		m.rainLevel = 0
	} else if rand.Float64() < 0.3 {
		m.rainLevel += m.rainRate
	}

	return []senmlRecord{
		{BaseName: m.baseName, BaseTime: float64(now.Unix())},
		{Unit: "Cel", Value: round(temperature, 1)},
		{Unit: "%RH", Value: round(humidity, 1)},
		{Name: "emw_solar_radiation", Unit: "W/m2", Value: round(rand.Float64()*800, 0)},
		{Name: "emw_wind_direction", Unit: "rad", Value: round(rand.Float64()*2*math.Pi, 3)},
		{Name: "emw_average_wind_speed", Unit: "m/s", Value: round(gust*0.6, 2)},
		{Name: "emw_gust_wind_speed", Unit: "m/s", Value: round(gust, 2)},
		{Name: "emw_rain_level", Unit: "m", Value: round(m.rainLevel, 4)},
	}, isAnomaly
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("SenML station simulator started",
		zap.String("bn", *baseName),
		zap.Int("rps", *rps),
		zap.Float64("anomaly_probability", *anomaly),
		zap.String("transport", *transport),
		zap.String("topic", *mqttTopic),
	)
	logger.Info("Press Ctrl+C to stop gracefully")

	var publish func(ctx context.Context, payload []byte) error

	switch *transport {
	case "amqp":
		cfg, err := config.LoadConfig()
		if err != nil {
			logger.Fatal("Failed to load config", zap.Error(err))
		}
		cfg.Topic = *mqttTopic
		rabbitMQService, err := services.NewRabbitMQService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer rabbitMQService.Close()
		publish = rabbitMQService.Publish
	default:
		opts := mqtt.NewClientOptions()
		opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
		opts.SetClientID(fmt.Sprintf("senmlgen-%s", uuid.NewString()[:8]))
		opts.SetUsername(*mqttUser)
		opts.SetPassword(*mqttPass)
		opts.SetKeepAlive(60 * time.Second)
		opts.SetPingTimeout(10 * time.Second)
		opts.SetAutoReconnect(true)

		opts.OnConnect = func(client mqtt.Client) {
			logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
		}
		opts.OnConnectionLost = func(client mqtt.Client, err error) {
			logger.Error("MQTT connection lost", zap.Error(err))
		}

		mqttClient := mqtt.NewClient(opts)
		if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
		}
		defer mqttClient.Disconnect(250)

		publish = func(_ context.Context, payload []byte) error {
			token := mqttClient.Publish(*mqttTopic, 0, false, payload)
			token.Wait()
			return token.Error()
		}
	}

	station := NewMockStation(*baseName, *anomaly, *rainRate, *reset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := time.Second / time.Duration(max(*rps, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	messageCount := 0
	anomalyCount := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(startTime)
			logger.Info("Shutting down",
				zap.Int("total_messages", messageCount),
				zap.Int("anomalies_generated", anomalyCount),
				zap.Duration("total_uptime", elapsed),
				zap.Float64("avg_rate", float64(messageCount)/elapsed.Seconds()),
			)
			return

		case now := <-ticker.C:
			pack, isAnomaly := station.Next(now)
			if isAnomaly {
				anomalyCount++
			}

			payload, err := json.Marshal(pack)
			if err != nil {
				logger.Error("Failed to marshal SenML pack", zap.Error(err))
				continue
			}

			if err := publish(ctx, payload); err != nil {
				logger.Error("Failed to publish message",
					zap.Error(err),
					zap.Int("message_count", messageCount))
				continue
			}
			messageCount++

			if messageCount%100 == 0 {
				logger.Info("Messages published",
					zap.Int("count", messageCount),
					zap.Int("anomalies", anomalyCount),
					zap.Float64("rate", float64(messageCount)/time.Since(startTime).Seconds()),
				)
			}

			logger.Debug("Published SenML pack",
				zap.String("bn", *baseName),
				zap.Bool("is_anomaly", isAnomaly),
				zap.ByteString("payload", payload))
		}
	}
}
