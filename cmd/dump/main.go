package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"puclima/config"
	"puclima/models"
	"puclima/services"

	"go.uber.org/zap"
)

var (
	deviceKey   = flag.String("device", "", "Device key to dump (default: every configured device)")
	withHistory = flag.Bool("history", false, "Include the history entries")
	recompute   = flag.Bool("recompute", false, "Recompute the rolling rain total from the stored history")
)

// dumpedDevice is what gets printed for one device
type dumpedDevice struct {
	Key            string               `json:"key"`
	Current        models.CurrentState  `json:"current"`
	Meta           models.Meta          `json:"meta"`
	HistorySize    int                  `json:"history_size"`
	History        []models.StoredEntry `json:"history,omitempty"`
	RecomputedRain *models.NullFloat    `json:"recomputed_window_total_mm,omitempty"`
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	firebaseService, err := services.NewFirebaseService(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase service", zap.Error(err))
	}
	defer firebaseService.Close()

	keys := []string{*deviceKey}
	if *deviceKey == "" {
		keys = keys[:0]
		for _, d := range services.NewParser(cfg.Devices).Devices() {
			keys = append(keys, d.Key)
		}
		sort.Strings(keys)
	}

	var out []dumpedDevice
	for _, key := range keys {
		state, err := firebaseService.ReadState(ctx, key)
		if errors.Is(err, services.ErrDeviceNotFound) {
			logger.Warn("No record for device", zap.String("device_key", key))
			continue
		}
		if err != nil {
			logger.Fatal("Failed to read device state", zap.String("device_key", key), zap.Error(err))
		}

		d := dumpedDevice{
			Key:         key,
			Current:     state.Current,
			Meta:        state.Meta,
			HistorySize: len(state.History),
		}
		if *withHistory {
			d.History = state.History
		}
		if *recompute {
			total := services.WindowTotal(state.History, cfg.RainWindowMinutes)
			if total.Valid {
				total = models.Float(services.RoundTo2(total.Value))
			}
			d.RecomputedRain = &total
		}
		out = append(out, d)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}
