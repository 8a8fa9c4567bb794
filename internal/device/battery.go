package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoBattery is returned when the host exposes no battery
var ErrNoBattery = errors.New("no battery found")

// BatteryReader reports the charge level in percent
type BatteryReader interface {
	Level(ctx context.Context) (int, error)
}

// SysfsBattery reads /sys/class/power_supply/*/capacity
type SysfsBattery struct {
	Root string
}

// NewSysfsBattery reads from the standard power supply class directory
func NewSysfsBattery() *SysfsBattery {
	return &SysfsBattery{Root: "/sys/class/power_supply"}
}

func (b *SysfsBattery) Level(ctx context.Context) (int, error) {
	matches, err := filepath.Glob(filepath.Join(b.Root, "*", "capacity"))
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		kind, err := os.ReadFile(filepath.Join(filepath.Dir(m), "type"))
		if err == nil && strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		raw, err := os.ReadFile(m)
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", m, err)
		}
		level, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return 0, fmt.Errorf("malformed capacity in %s: %w", m, err)
		}
		return ClampPercent(level), nil
	}
	return 0, ErrNoBattery
}

// FixedBattery always reports the same level
type FixedBattery int

func (b FixedBattery) Level(ctx context.Context) (int, error) {
	return ClampPercent(int(b)), nil
}

// ClampPercent bounds a level to 0..100
func ClampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
