// 包 config：批处理运行参数，统一从环境变量读取（.env 由命令入口加载）
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

type Config struct {
	Tiers               []int
	ProbeRadius         float64
	InsertBatch         int
	ProgressEvery       int
	ProgressEveryFinest int
	HaltOnCoarseFailure bool
	InferParents        bool
	RunFixup            bool
	ExceptionsFile      string
	MetricsAddr         string
	ProgressTable       bool
	RedisStream         string
	RedisStreamMaxLen   int64
	DryRun              bool
	BoundaryDir         string
	GridFile            string
}

// Load：读取环境变量；数值解析失败返回错误而非静默回退，避免以错误参数跑完整层
func Load() (Config, error) {
	c := Config{
		ExceptionsFile: os.Getenv("EXCEPTIONS_FILE"),
		MetricsAddr:    os.Getenv("METRICS_ADDR"),
		RedisStream:    getenv("REDIS_PROGRESS_STREAM", "celladmin:progress"),
		BoundaryDir:    os.Getenv("BOUNDARY_DIR"),
		GridFile:       os.Getenv("GRID_FILE"),
	}
	var err error
	if c.Tiers, err = ParseTiers(getenv("TIERS", "6,7,8,9")); err != nil {
		return c, err
	}
	if c.ProbeRadius, err = floatEnv("PROBE_RADIUS_DEG", 0.01); err != nil {
		return c, err
	}
	if c.InsertBatch, err = intEnv("INSERT_BATCH", 1000); err != nil {
		return c, err
	}
	if c.ProgressEvery, err = intEnv("PROGRESS_EVERY", 1); err != nil {
		return c, err
	}
	if c.ProgressEveryFinest, err = intEnv("PROGRESS_EVERY_FINEST", 5); err != nil {
		return c, err
	}
	maxLen, err := intEnv("REDIS_PROGRESS_MAXLEN", 10000)
	if err != nil {
		return c, err
	}
	c.RedisStreamMaxLen = int64(maxLen)
	for _, b := range []struct {
		dst *bool
		key string
		def bool
	}{
		{&c.HaltOnCoarseFailure, "HALT_ON_COARSE_FAILURE", true},
		{&c.InferParents, "INFER_PARENTS", true},
		{&c.RunFixup, "RUN_FIXUP", true},
		{&c.ProgressTable, "PROGRESS_TABLE", true},
		{&c.DryRun, "DRY_RUN", false},
	} {
		if *b.dst, err = boolEnv(b.key, b.def); err != nil {
			return c, err
		}
	}
	if c.DryRun && (c.BoundaryDir == "" || c.GridFile == "") {
		return c, fmt.Errorf("DRY_RUN requires BOUNDARY_DIR and GRID_FILE")
	}
	return c, nil
}

// ParseTiers：解析逗号分隔的分辨率列表，去重后升序返回
func ParseTiers(s string) ([]int, error) {
	seen := map[int]bool{}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 15 {
			return nil, fmt.Errorf("invalid resolution %q", part)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no resolutions in %q", s)
	}
	sort.Ints(out)
	return out, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
