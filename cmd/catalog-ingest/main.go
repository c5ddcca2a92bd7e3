package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	maxFiles      = 64
	progressEvery = 100_000
	maxLineBytes  = 1 << 20
)

// fileResult holds SKUs of one file that another file's filter also
// reports.
type fileResult struct {
	candidates map[string]uint64
}

func main() {
	var (
		dataDir     string
		pattern     string
		databaseURL string
		capacity    uint
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing variant dumps")
	flag.StringVar(&pattern, "pattern", "variants*.ndjson.gz", "glob of gzip NDJSON variant dumps inside data-dir")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&capacity, "bloom-capacity", 1_000_000, "expected variants per file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, filepath.Join(dataDir, pattern), databaseURL, capacity); err != nil {
		slog.Error("catalog ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("catalog ingest completed successfully")
}

func run(ctx context.Context, glob, databaseURL string, capacity uint) error {
	files, err := filepath.Glob(glob)
	if err != nil {
		return errors.Wrap(err, "match dumps")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", glob)
	}
	if len(files) > maxFiles {
		return errors.Errorf("too many files: %d > %d", len(files), maxFiles)
	}
	sort.Strings(files)

	// Pass 1: Build bloom filters concurrently.
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

	filters, err := buildBloomFilters(ctx, files, capacity)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: Find SKUs appearing in 2+ files.
	slog.Info("pass 2: finding SKUs shared between files")

	duplicates, err := findDuplicateSKUs(ctx, files, filters)
	if err != nil {
		return errors.Wrap(err, "find duplicate skus")
	}
	if len(duplicates) > 0 {
		slog.Warn("skus present in several files are skipped", slog.Int("count", len(duplicates)))
	}

	// Pass 3: Group the remaining variants into products.
	slog.Info("pass 3: grouping variants into products")

	products, err := collectProducts(ctx, files, duplicates)
	if err != nil {
		return errors.Wrap(err, "collect products")
	}

	slog.Info("products collected", slog.Int("count", len(products)))

	if len(products) == 0 {
		slog.Info("no products to insert")
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := writeProducts(ctx, catalog.NewService(postgres.NewCatalogRepository(pool)), products); err != nil {
		return errors.Wrap(err, "write products to database")
	}

	return nil
}

// buildBloomFilters creates one bloom filter of SKUs per file, concurrently.
func buildBloomFilters(ctx context.Context, files []string, capacity uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(buildFilterForFile(ctx, i, f, capacity, filters))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return filters, nil
}

func buildFilterForFile(ctx context.Context, idx int, path string, capacity uint, filters []*bloom.BloomFilter) func() error {
	return func() error {
		filter := bloom.NewWithEstimates(capacity, bloomFPR)
		var count uint64

		if err := streamDump(ctx, path, func(r record) error {
			filter.AddString(r.Variant.Stock.SKU)
			count++
			if count%progressEvery == 0 {
				slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("variants", count))
			}
			return nil
		}); err != nil {
			return errors.Wrapf(err, "build filter for %s", path)
		}

		slog.Info("pass 1 complete", slog.String("file", path), slog.Uint64("total_variants", count))

		filters[idx] = filter
		return nil
	}
}

// findDuplicateSKUs re-streams each file and checks SKUs against the OTHER
// files' bloom filters. A file only marks its own bit, so a bloom false
// positive never produces two bits: the result is exact.
func findDuplicateSKUs(ctx context.Context, files []string, filters []*bloom.BloomFilter) (map[string]struct{}, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(findCandidatesInFile(ctx, i, f, filters, results))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint64)
	for _, r := range results {
		for sku, mask := range r.candidates {
			merged[sku] |= mask
		}
	}

	duplicates := make(map[string]struct{})
	for sku, mask := range merged {
		if bits.OnesCount64(mask) >= 2 {
			duplicates[sku] = struct{}{}
		}
	}

	return duplicates, nil
}

func findCandidatesInFile(
	ctx context.Context,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	results []fileResult,
) func() error {
	return func() error {
		candidates := make(map[string]uint64)
		fileBit := uint64(1) << uint(idx)

		if err := streamDump(ctx, path, func(r record) error {
			sku := r.Variant.Stock.SKU
			for j, f := range filters {
				if j == idx {
					continue
				}
				if f.TestString(sku) {
					candidates[sku] |= fileBit
					break
				}
			}
			return nil
		}); err != nil {
			return errors.Wrapf(err, "scan %s for candidates", path)
		}

		slog.Info("pass 2 complete", slog.String("file", path), slog.Int("candidates", len(candidates)))

		results[idx] = fileResult{candidates: candidates}
		return nil
	}
}

// collectProducts groups variants by product name in file order, dropping
// the given SKUs.
func collectProducts(ctx context.Context, files []string, skip map[string]struct{}) ([]*catalog.Product, error) {
	var (
		products []*catalog.Product
		byName   = make(map[string]*catalog.Product)
		skipped  int
	)
	for _, path := range files {
		if err := streamDump(ctx, path, func(r record) error {
			if _, ok := skip[r.Variant.Stock.SKU]; ok {
				skipped++
				return nil
			}
			p, ok := byName[r.Product]
			if !ok {
				p = &catalog.Product{Name: r.Product, Description: r.Description, Category: r.Category}
				byName[r.Product] = p
				products = append(products, p)
			}
			p.Variants = append(p.Variants, r.Variant)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if skipped > 0 {
		slog.Info("variants skipped", slog.Int("count", skipped))
	}
	return products, nil
}

// writeProducts creates every product through the catalog service so IDs,
// tags and compareAt follow the same rules as the admin API.
func writeProducts(ctx context.Context, svc *catalog.Service, products []*catalog.Product) error {
	slog.Info("writing products to database", slog.Int("count", len(products)))

	var created, rejected int
	for i, p := range products {
		err := svc.CreateProduct(ctx, p)
		var ve *catalog.ValidationError
		switch {
		case err == nil:
			created++
		case errors.Is(err, catalog.ErrDuplicateSKU), errors.As(err, &ve):
			rejected++
			slog.Warn("product rejected", slog.String("name", p.Name), slog.String("reason", err.Error()))
		default:
			return errors.Wrapf(err, "create product %q", p.Name)
		}

		if (i+1)%100 == 0 || i+1 == len(products) {
			slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(products)))
		}
	}

	slog.Info("write complete", slog.Int("created", created), slog.Int("rejected", rejected))
	return nil
}

// streamDump opens a gzip-compressed NDJSON dump and calls fn for each
// decoded record. Blank lines are ignored.
func streamDump(ctx context.Context, path string, fn func(r record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		r, err := decodeRecord(raw)
		if err != nil {
			return errors.Wrapf(err, "%s:%d", path, line)
		}
		if err := fn(r); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

// record is one line of a variant dump.
type record struct {
	Product     string
	Description string
	Category    string
	Variant     catalog.Variant
}

func decodeRecord(raw []byte) (record, error) {
	var r record
	v := &r.Variant
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product":
			r.Product, err = d.Str()
		case "description":
			r.Description, err = d.Str()
		case "category":
			r.Category, err = d.Str()
		case "measure":
			v.Measure, err = d.Str()
		case "colorName":
			v.Color.Name, err = d.Str()
		case "colorCode":
			v.Color.Code, err = d.Str()
		case "images":
			err = d.Arr(func(d *jx.Decoder) error {
				s, err := d.Str()
				v.Color.Images = append(v.Color.Images, s)
				return err
			})
		case "currency":
			v.Price.Currency, err = d.Str()
		case "amount":
			v.Price.Amount, err = decodeAmount(d)
		case "inStock":
			v.Stock.InStock, err = d.Int()
		case "sku":
			v.Stock.SKU, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return record{}, errors.Wrap(err, "decode record")
	}
	if r.Product == "" || v.Stock.SKU == "" {
		return record{}, errors.New("record needs product and sku")
	}
	return r, nil
}

func decodeAmount(d *jx.Decoder) (decimal.Decimal, error) {
	var s string
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		s = n.String()
	default:
		v, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		s = v
	}
	return decimal.NewFromString(s)
}
