package miner

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/sodmax/cityverse-miner/internal/events"
)

// SetupLogger configures the global slog logger.
func SetupLogger(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)})))
}

// ParseLevel maps a config level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DisplayEvent prints a human-readable event line to stdout.
func DisplayEvent(evt events.Event) {
	ts := time.Now().Format("15:04:05")
	if t, err := time.Parse(time.RFC3339, evt.Time); err == nil {
		ts = t.Local().Format("15:04:05")
	}

	switch evt.Type {
	case events.TypeBoostActivated:
		fmt.Printf("\n[%s] *** %s ***\n\n", ts, evt.Message)
	case events.TypeRewardReverted, events.TypeError:
		fmt.Printf("[%s] Error: %s\n", ts, evt.Message)
	default:
		fmt.Printf("[%s] %s\n", ts, evt.Message)
	}
}

// DisplayStats prints the session summary.
func DisplayStats(v View) {
	fmt.Printf("\n--- Mining Stats ---\n")
	if v.UserID != "" {
		fmt.Printf("Account:      %s\n", v.UserID)
	}
	fmt.Printf("Level:        %d\n", v.Mining.Level)
	fmt.Printf("Power:        %s (x%.2f efficiency)\n", formatAmount(v.Mining.Power), v.Mining.Efficiency)
	fmt.Printf("Per claim:    %s\n", formatAmount(v.NextReward))
	fmt.Printf("Total mined:  %s\n", formatAmount(v.Mining.TotalMined))
	fmt.Printf("Today:        %s\n", formatAmount(v.Mining.TodayEarned))
	if v.Boost.Active {
		fmt.Printf("Boost:        %dx, %s left\n", BoostMultiplier, (time.Duration(v.BoostRemainingMs) * time.Millisecond).Round(time.Second))
	} else {
		fmt.Printf("Boost:        off\n")
	}
	auto := "off"
	if v.AutoMining.Enabled {
		auto = "on"
		if !v.AutoRunning {
			auto = "on (paused)"
		}
	}
	fmt.Printf("Auto-mining:  %s\n", auto)
	fmt.Println()
}

// formatAmount renders a reward with thousands separators. Fractions are dropped.
func formatAmount(amount float64) string {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return "0"
	}
	n := int64(math.Floor(math.Abs(amount)))
	s := fmt.Sprintf("%d", n)
	if amount < 0 && n > 0 {
		return "-" + group(s)
	}
	return group(s)
}

func group(s string) string {
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}
