package storage

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

// CatalogWriter is implemented by every catalog so resources can be seeded
// for local runs and tests.
type CatalogWriter interface {
	UpsertResource(ctx context.Context, r models.Resource) error
	UpsertAddOn(ctx context.Context, a models.AddOn) error
}

// Seed is the TOML layout of a catalog seed file:
//
//	[[resource]]
//	id = "table-1"
//	name = "Window table"
//	capacity = 4
//	hourly_rate = "20.00"
//	active = true
type Seed struct {
	Resources []SeedResource `toml:"resource"`
	AddOns    []SeedAddOn    `toml:"add_on"`
}

type SeedResource struct {
	ID         string `toml:"id"`
	Name       string `toml:"name"`
	Capacity   int    `toml:"capacity"`
	HourlyRate string `toml:"hourly_rate"`
	Active     bool   `toml:"active"`
}

type SeedAddOn struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	UnitPrice string `toml:"unit_price"`
	Active    bool   `toml:"active"`
}

func LoadSeedFile(path string) (*Seed, error) {
	var seed Seed
	if _, err := toml.DecodeFile(path, &seed); err != nil {
		return nil, fmt.Errorf("failed to load seed file: %w", err)
	}
	return &seed, nil
}

func DecodeSeed(data string) (*Seed, error) {
	var seed Seed
	if _, err := toml.Decode(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	return &seed, nil
}

// Apply writes every entry of the seed into w.
func (s *Seed) Apply(ctx context.Context, w CatalogWriter, log *logger.Logger) error {
	for _, r := range s.Resources {
		if r.ID == "" {
			return fmt.Errorf("seed resource without id")
		}
		rate, err := models.ParseMoney(r.HourlyRate)
		if err != nil {
			return fmt.Errorf("resource %s: hourly_rate: %w", r.ID, err)
		}
		if err := w.UpsertResource(ctx, models.Resource{
			ID: r.ID, Name: r.Name, Capacity: r.Capacity, HourlyRate: rate, Active: r.Active,
		}); err != nil {
			return fmt.Errorf("resource %s: %w", r.ID, err)
		}
	}
	for _, a := range s.AddOns {
		if a.ID == "" {
			return fmt.Errorf("seed add-on without id")
		}
		price, err := models.ParseMoney(a.UnitPrice)
		if err != nil {
			return fmt.Errorf("add-on %s: unit_price: %w", a.ID, err)
		}
		if err := w.UpsertAddOn(ctx, models.AddOn{
			ID: a.ID, Name: a.Name, UnitPrice: price, Active: a.Active,
		}); err != nil {
			return fmt.Errorf("add-on %s: %w", a.ID, err)
		}
	}
	log.Info("CATALOG", fmt.Sprintf("Seeded %d resources and %d add-ons", len(s.Resources), len(s.AddOns)))
	return nil
}
