package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"cell-admin/internal/batch"
	"cell-admin/internal/config"
	"cell-admin/internal/logger"
	"cell-admin/internal/store/memstore"
)

const boundaries = `{"type":"FeatureCollection","features":[
  {"type":"Feature","properties":{"id":1,"level":"province","name":"A"},
   "geometry":{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2],[0,0]]]}},
  {"type":"Feature","properties":{"id":2,"level":"province","name":"B"},
   "geometry":{"type":"Polygon","coordinates":[[[2,0],[4,0],[4,2],[2,2],[2,0]]]}},
  {"type":"Feature","properties":{"id":10,"level":"district","name":"DA","parent_id":1},
   "geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,2],[0,2],[0,0]]]}}
]}`

const grid = `cell_id,resolution,lat,lng
a,7,1,0.5
b,7,1,3
c,7,9,9
`

func dryRunConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	bdir := filepath.Join(dir, "boundaries")
	if err := os.Mkdir(bdir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bdir, "units.geojson"), []byte(boundaries), 0o644); err != nil {
		t.Fatal(err)
	}
	gf := filepath.Join(dir, "grid.csv")
	if err := os.WriteFile(gf, []byte(grid), 0o644); err != nil {
		t.Fatal(err)
	}
	return config.Config{
		Tiers: []int{7}, ProbeRadius: 0.01, InsertBatch: 10, ProgressEvery: 1, ProgressEveryFinest: 1,
		HaltOnCoarseFailure: true, InferParents: true, ProgressTable: true,
		DryRun: true, BoundaryDir: bdir, GridFile: gf,
	}
}

func TestDryRunEndToEnd(t *testing.T) {
	t.Setenv("REDIS_HOST", "")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_LEVEL", "info")
	var buf bytes.Buffer
	l := logger.SetupWriter(&buf)
	cfg := dryRunConfig(t)
	exFile := filepath.Join(t.TempDir(), "exceptions.yaml")
	if err := os.WriteFile(exFile, []byte("exceptions:\n  - unit_id: 10\n    rule: enclave\n    equivalent_id: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.ExceptionsFile = exFile
	ctx := context.Background()

	b, closeFn, err := OpenBackend(ctx, cfg, l)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	m := b.(*memstore.Store)

	reports, err := batch.New(b, b, b, Sinks(ctx, cfg, b, l), BatchOptions(cfg, l)).RunAll(ctx, cfg.Tiers)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].Inserted != 2 || reports[0].Gaps != 1 {
		t.Fatalf("reports = %+v", reports)
	}
	if got, ok := m.Mapping("a"); !ok || got.Province.ID != 1 || got.District == nil || got.District.ID != 10 {
		t.Errorf("cell a = %+v", got)
	}
	if len(m.Events()) == 0 {
		t.Error("progress table sink not wired")
	}

	exs, err := LoadExceptions(ctx, cfg, b)
	if err != nil || len(exs) != 1 {
		t.Fatalf("exceptions = %+v, %v", exs, err)
	}
	if _, err := RunFixup(ctx, b, exs, cfg.Tiers, l); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Mapping("a"); got.Province.ID != 2 || got.District == nil || got.District.ID != 10 {
		t.Errorf("enclave cell a = %+v", got)
	}

	bad, err := Verify(ctx, b, cfg.Tiers, l)
	if err != nil || len(bad) != 0 {
		t.Errorf("verify = %v, %v\n%s", bad, err, buf.String())
	}
	if !strings.Contains(buf.String(), "msg=consistency_ok") || !strings.Contains(buf.String(), "msg=redis_disabled") {
		t.Errorf("log = %s", buf.String())
	}
}

func TestVerifyReportsUnaccounted(t *testing.T) {
	l := logger.SetupWriter(&bytes.Buffer{})
	cfg := dryRunConfig(t)
	b, closeFn, err := OpenBackend(context.Background(), cfg, l)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	bad, err := Verify(context.Background(), b, []int{7, 8}, l)
	if err != nil {
		t.Fatal(err)
	}
	// 未运行的 7 层三个单元格都未落表；8 层没有单元格
	if !reflect.DeepEqual(bad, []int{7}) {
		t.Errorf("bad = %v", bad)
	}
}

func TestOpenBackendMissingInputs(t *testing.T) {
	cfg := dryRunConfig(t)
	cfg.GridFile = filepath.Join(t.TempDir(), "missing.csv")
	_, closeFn, err := OpenBackend(context.Background(), cfg, logger.SetupWriter(&bytes.Buffer{}))
	closeFn()
	if err == nil {
		t.Error("missing grid accepted")
	}
}
