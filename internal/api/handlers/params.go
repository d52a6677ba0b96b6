package handlers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stitts-dev/hoops-projections/internal/stats"
)

const (
	dateLayout      = "2006-01-02"
	defaultLimit    = 20
	maxLimit        = 100
	maxBatchPlayers = 500
)

// parseDate reads a YYYY-MM-DD value, defaulting to today in UTC.
func parseDate(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return stats.Day(now), nil
	}
	d, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	return d, nil
}

// parseStats splits a comma-separated list and rejects unknown target stats.
func parseStats(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !stats.IsTargetStat(s) {
			return nil, fmt.Errorf("unsupported stat %q", s)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseStat(raw string) (string, error) {
	if raw == "" {
		return stats.FantasyPointsStat, nil
	}
	if !stats.IsTargetStat(raw) {
		return "", fmt.Errorf("unsupported stat %q", raw)
	}
	return raw, nil
}

func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	return n, nil
}

func parseID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", c.Param("id"))
	}
	return uint(id), nil
}
