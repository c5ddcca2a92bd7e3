package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/pricing"
	"github.com/xenking/storefront/internal/storage/postgres"
)

type productJSON struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Category    string        `json:"category"`
	Variants    []variantJSON `json:"variants"`
}

type variantJSON struct {
	Measure string `json:"measure"`
	Color   struct {
		Name   string   `json:"name"`
		Code   string   `json:"code"`
		Images []string `json:"images"`
	} `json:"color"`
	Price struct {
		Currency string          `json:"currency"`
		Amount   decimal.Decimal `json:"amount"`
		Discount *struct {
			Type  string          `json:"type"`
			Value decimal.Decimal `json:"value"`
		} `json:"discount"`
	} `json:"price"`
	Stock struct {
		InStock int    `json:"inStock"`
		SKU     string `json:"sku"`
	} `json:"stock"`
}

type options struct {
	databaseURL  string
	productsFile string
	apiKey       string
	apiKeyPepper string
	jwtSecret    string
	jwtIssuer    string
	tokenSubject string
	tokenTTL     time.Duration
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&opts.apiKey, "api-key", "", "admin API key to seed (or STOREFRONT_SEED_API_KEY env)")
	flag.StringVar(&opts.apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STOREFRONT_AUTH_API_KEY_PEPPER env)")
	flag.StringVar(&opts.jwtSecret, "jwt-secret", "", "HS256 secret; with -token-subject prints an admin bearer token (or STOREFRONT_AUTH_JWT_SECRET env)")
	flag.StringVar(&opts.jwtIssuer, "jwt-issuer", "storefront", "bearer token issuer")
	flag.StringVar(&opts.tokenSubject, "token-subject", "", "subject of the admin bearer token to print")
	flag.DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "bearer token lifetime")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.apiKey == "" {
		opts.apiKey = os.Getenv("STOREFRONT_SEED_API_KEY")
	}
	if opts.apiKey == "" {
		slog.Error("API key is required: set --api-key or STOREFRONT_SEED_API_KEY")
		os.Exit(1)
	}
	if opts.apiKeyPepper == "" {
		opts.apiKeyPepper = os.Getenv("STOREFRONT_AUTH_API_KEY_PEPPER")
	}
	if opts.jwtSecret == "" {
		opts.jwtSecret = os.Getenv("STOREFRONT_AUTH_JWT_SECRET")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, catalog.NewService(postgres.NewCatalogRepository(pool)), opts.productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedRules(ctx, discount.NewService(postgres.NewRuleRepository(pool))); err != nil {
		return errors.Wrap(err, "seed discount rules")
	}

	keys := postgres.NewAPIKeyRepository(pool)
	if err := seedAPIKey(ctx, keys, opts.apiKey, opts.apiKeyPepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	if opts.tokenSubject != "" {
		authn := auth.NewAuthenticator(keys, []byte(opts.apiKeyPepper), []byte(opts.jwtSecret), opts.jwtIssuer)
		token, err := authn.Issue(opts.tokenSubject, auth.RoleAdmin, opts.tokenTTL)
		if err != nil {
			return errors.Wrap(err, "issue admin token")
		}
		slog.Info("issued admin bearer token",
			slog.String("subject", opts.tokenSubject),
			slog.Duration("ttl", opts.tokenTTL),
			slog.String("token", token),
		)
	}

	return nil
}

func seedProducts(ctx context.Context, svc *catalog.Service, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	slog.Info("creating products", slog.Int("count", len(products)))

	for _, pj := range products {
		p := toProduct(pj)
		if err := svc.CreateProduct(ctx, &p); err != nil {
			// SKUs are unique, so a rerun finds the products already seeded.
			if errors.Is(err, catalog.ErrDuplicateSKU) {
				slog.Info("product already seeded, skipping", slog.String("name", pj.Name))
				continue
			}
			return errors.Wrapf(err, "create product %q", pj.Name)
		}

		slog.Info("created product",
			slog.String("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("variants", len(p.Variants)),
		)
	}

	return nil
}

func toProduct(pj productJSON) catalog.Product {
	p := catalog.Product{
		Name:        pj.Name,
		Description: pj.Description,
		Category:    pj.Category,
	}
	for _, vj := range pj.Variants {
		v := catalog.Variant{
			Measure: vj.Measure,
			Color: catalog.Color{
				Name:   vj.Color.Name,
				Code:   vj.Color.Code,
				Images: vj.Color.Images,
			},
			Price: pricing.Price{
				Currency: vj.Price.Currency,
				Amount:   vj.Price.Amount,
			},
			Stock: catalog.Stock{
				InStock: vj.Stock.InStock,
				SKU:     vj.Stock.SKU,
			},
		}
		if d := vj.Price.Discount; d != nil {
			v.Price.Discount = &pricing.Discount{Type: pricing.DiscountType(d.Type), Value: d.Value}
		}
		p.Variants = append(p.Variants, v)
	}
	return p
}

func seedRules(ctx context.Context, svc *discount.Service) error {
	slog.Info("seeding discount rules")

	existing, err := svc.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list rules")
	}
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.Name] = true
	}

	rules := []discount.Rule{
		{
			Name:      "10% off orders over 300",
			Threshold: decimal.NewFromInt(300),
			Type:      discount.TypePercent,
			Value:     decimal.NewFromInt(10),
			IsActive:  true,
		},
		{
			Name:      "50 off orders over 600",
			Threshold: decimal.NewFromInt(600),
			Type:      discount.TypeFixed,
			Value:     decimal.NewFromInt(50),
			IsActive:  true,
			Priority:  1,
		},
	}

	for _, r := range rules {
		if seen[r.Name] {
			slog.Info("rule already seeded, skipping", slog.String("name", r.Name))
			continue
		}
		if err := svc.Create(ctx, &r); err != nil {
			return errors.Wrapf(err, "create rule %q", r.Name)
		}

		slog.Info("created rule", slog.String("id", r.ID), slog.String("name", r.Name))
	}

	return nil
}

func seedAPIKey(ctx context.Context, keys auth.Repository, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	if err := keys.Upsert(ctx, auth.APIKeyInfo{
		ID:      "default-admin",
		KeyHash: auth.HashAPIKey([]byte(pepper), apiKey),
		Name:    "Default admin key",
		Scopes:  []string{string(auth.RoleAdmin)},
	}); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", "default-admin"), slog.String("name", "Default admin key"))

	return nil
}
