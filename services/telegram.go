package services

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"puclima/config"
	"puclima/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// alertThrottle is the minimum gap between two alerts of one kind for one device
const alertThrottle = 15 * time.Minute

type TelegramService struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	mu             sync.Mutex
	lastAlertTimes map[string]time.Time // keyed by kind + device
	logger         *zap.Logger
}

func NewTelegramService(cfg *config.Config, logger *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	ts := &TelegramService{
		bot:            bot,
		chatID:         chatID,
		lastAlertTimes: make(map[string]time.Time),
		logger:         logger,
	}

	// Test Telegram connection with retry
	if err := ts.testConnection(); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return ts, nil
}

// testConnection tests Telegram connection with retry logic
func (ts *TelegramService) testConnection() error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ts.logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := ts.bot.GetMe()
		if err == nil {
			ts.logger.Info("Telegram connection successful")
			return nil
		}

		ts.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

// shouldThrottle reports whether an alert of this kind was sent for the device recently,
// and marks it as sent otherwise
func (ts *TelegramService) shouldThrottle(kind, device string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	key := kind + "/" + device
	if last, ok := ts.lastAlertTimes[key]; ok && time.Since(last) < alertThrottle {
		return true
	}
	ts.lastAlertTimes[key] = time.Now()
	return false
}

func (ts *TelegramService) send(text string) error {
	msg := tgbotapi.NewMessage(ts.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	_, err := ts.bot.Send(msg)
	return err
}

// SendAnomalyAlert sends a formatted threshold alert, at most once per throttle window per device
func (ts *TelegramService) SendAnomalyAlert(anomalies []*models.Anomaly, reading models.Reading) error {
	if len(anomalies) == 0 {
		return nil
	}
	if ts.shouldThrottle("anomaly", reading.Device.Key) {
		ts.logger.Debug("Throttling alert", zap.String("device", reading.Device.Label))
		return nil
	}

	if err := ts.send(formatAnomalyMessage(anomalies, reading)); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}

	ts.logger.Info("Sent anomaly alert",
		zap.String("device", reading.Device.Label),
		zap.Int("anomaly_count", len(anomalies)))
	return nil
}

// SendGaugeResetAlert reports a decrease of the cumulative rain level
func (ts *TelegramService) SendGaugeResetAlert(reset models.GaugeReset) error {
	if ts.shouldThrottle("gauge_reset", reset.Device.Key) {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("🌧️ <b>RAIN GAUGE RESET</b>\n\n")
	sb.WriteString(fmt.Sprintf("📡 <b>Device:</b> %s\n", reset.Device.Label))
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n", reset.At.Local().Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("📉 <b>Level:</b> %.4f m → %.4f m\n\n", reset.PreviousLevelM, reset.CurrentLevelM))
	sb.WriteString("Rain since last reading was recorded as 0 mm. Rolling totals may be negative until the window passes the reset.")

	if err := ts.send(sb.String()); err != nil {
		return fmt.Errorf("error sending gauge reset alert: %w", err)
	}

	ts.logger.Info("Sent gauge reset alert", zap.String("device", reset.Device.Label))
	return nil
}

// SendStatusMessage sends a general status message
func (ts *TelegramService) SendStatusMessage(message string) error {
	return ts.send(message)
}

// SendStartupMessage sends a message when the service starts
func (ts *TelegramService) SendStartupMessage(devices []models.Device) error {
	var sb strings.Builder
	sb.WriteString("🟢 <b>PUCLIMA Ingestion Service Started</b>\n\n")
	sb.WriteString("📡 Listening for weather station readings\n")
	sb.WriteString("🗄️ Writing to Firebase Realtime Database\n\n")
	sb.WriteString("<b>Devices:</b>\n")
	for _, d := range devices {
		sb.WriteString(fmt.Sprintf("  • %s (<code>%s</code>)\n", d.Label, d.BaseName))
	}

	return ts.SendStatusMessage(sb.String())
}

// SendDeviceTimeoutAlert sends an alert when a device stops reporting
func (ts *TelegramService) SendDeviceTimeoutAlert(health models.DeviceHealth, timeSinceLastSeen time.Duration) error {
	var sb strings.Builder

	sb.WriteString("⚠️ <b>WEATHER STATION SILENT</b> ⚠️\n\n")
	sb.WriteString(fmt.Sprintf("📡 <b>Device:</b> %s\n", health.Device.Label))
	sb.WriteString(fmt.Sprintf("🕐 <b>Last Seen:</b> %s\n", health.LastSeen.Local().Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Silent For:</b> %s\n\n", formatDuration(timeSinceLastSeen)))

	s := health.LastSample
	sb.WriteString("📊 <b>Last Reading:</b>\n")
	sb.WriteString(fmt.Sprintf("🌡️ Temperature: %s°C\n", formatValue(s.TemperatureC)))
	sb.WriteString(fmt.Sprintf("💧 Humidity: %s%%\n", formatValue(s.HumidityPct)))
	sb.WriteString(fmt.Sprintf("🌧️ Rain level: %s m\n\n", formatValue(s.RainLevelM)))

	sb.WriteString("🔴 <b>Status:</b> DEVICE TIMEOUT")

	if err := ts.send(sb.String()); err != nil {
		return fmt.Errorf("error sending device timeout alert: %w", err)
	}

	ts.logger.Info("Sent device timeout alert",
		zap.String("device", health.Device.Label),
		zap.Duration("time_since_last_seen", timeSinceLastSeen))
	return nil
}

// SendDeviceRecoveryAlert sends an alert when a device reports again after a timeout
func (ts *TelegramService) SendDeviceRecoveryAlert(device models.Device, downDuration time.Duration) error {
	var sb strings.Builder

	sb.WriteString("✅ <b>WEATHER STATION RECOVERED</b> ✅\n\n")
	sb.WriteString(fmt.Sprintf("📡 <b>Device:</b> %s\n", device.Label))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Downtime:</b> %s\n\n", formatDuration(downDuration)))
	sb.WriteString("🟢 <b>Status:</b> DEVICE ONLINE")

	if err := ts.send(sb.String()); err != nil {
		return fmt.Errorf("error sending device recovery alert: %w", err)
	}

	ts.logger.Info("Sent device recovery alert",
		zap.String("device", device.Label),
		zap.Duration("down_duration", downDuration))
	return nil
}

// formatAnomalyMessage creates a mobile-friendly alert message
func formatAnomalyMessage(anomalies []*models.Anomaly, reading models.Reading) string {
	var sb strings.Builder
	s := reading.Sample

	sb.WriteString("🚨 <b>PUCLIMA WEATHER ALERT</b> 🚨\n\n")
	sb.WriteString(fmt.Sprintf("📡 <b>Device:</b> %s\n", reading.Device.Label))
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n\n", s.ReceivedAt.Local().Format("2006-01-02 15:04:05")))

	sb.WriteString("📊 <b>Current Readings:</b>\n")
	sb.WriteString(fmt.Sprintf("🌡️ Temperature: %s°C\n", formatValue(s.TemperatureC)))
	sb.WriteString(fmt.Sprintf("💧 Humidity: %s%%\n", formatValue(s.HumidityPct)))
	sb.WriteString(fmt.Sprintf("☀️ Solar radiation: %s W/m²\n", formatValue(s.SolarRadiationWM2)))
	sb.WriteString(fmt.Sprintf("🌬️ Wind: %s m/s (gust %s m/s)\n\n", formatValue(s.WindSpeedAvgMS), formatValue(s.WindSpeedGustMS)))

	sb.WriteString("⚠️ <b>Detected Issues:</b>\n")
	for i, anomaly := range anomalies {
		sb.WriteString(fmt.Sprintf("%s %s <b>%s</b>\n",
			anomaly.GetSeverityColor(),
			anomaly.GetAnomalyEmoji(),
			getAnomalyTitle(anomaly)))
		sb.WriteString(fmt.Sprintf("   └ %s\n", anomaly.Description))

		if i < len(anomalies)-1 {
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// getAnomalyTitle returns a user-friendly title for the anomaly
func getAnomalyTitle(anomaly *models.Anomaly) string {
	switch anomaly.Type {
	case models.TemperatureTooHigh:
		return "High Temperature Alert"
	case models.TemperatureTooLow:
		return "Low Temperature Alert"
	case models.HumidityTooHigh:
		return "High Humidity Alert"
	case models.HumidityTooLow:
		return "Low Humidity Alert"
	case models.WindGustTooHigh:
		return "Strong Wind Gust Alert"
	default:
		return "Sensor Alert"
	}
}

func formatValue(v models.NullFloat) string {
	if !v.Valid {
		return "n/a"
	}
	return strconv.FormatFloat(v.Value, 'f', 2, 64)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
