package main

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{TimeFormat: time.Kitchen}))

	addr := getenvDefault("FAKE_HUB_ADDR", ":8000")
	secret := getenvDefault("FAKE_HUB_JWT_SECRET", "dev-secret")
	latencyMs := getenvIntDefault("FAKE_HUB_LATENCY_MS", 0)
	failRate := getenvFloatDefault("FAKE_HUB_FAIL_RATE", 0)

	srv, err := newHubServer(hubOptions{
		secret:   []byte(secret),
		tokenTTL: 60 * time.Minute,
		latency:  time.Duration(latencyMs) * time.Millisecond,
		failRate: failRate,
		logger:   logger,
	})
	if err != nil {
		logger.Error("fake hub init failed", "err", err)
		os.Exit(1)
	}
	if err := srv.addUser("admin", "Demo Admin", "admin123"); err != nil {
		logger.Error("seed user failed", "err", err)
		os.Exit(1)
	}

	logger.Info("fake hub listening", "addr", addr, "base", addr+"/api")
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		logger.Error("fake hub stopped", "err", err)
		os.Exit(1)
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
