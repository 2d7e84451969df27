package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document accepted by LoadSeed:
//
//	codes:
//	  - name: Check balance
//	    code: "*123#"
//	  - name: Data bundle
//	    code: "*100#"
//	    levels:
//	      - {step: 0, code: "*100#", prompt: menu}
//	      - {step: 1, code: "1", prompt: select}
type SeedFile struct {
	Codes []schema.NewRecord `yaml:"codes"`
}

// LoadSeed decodes and validates a seed document.
func LoadSeed(r io.Reader) ([]schema.NewRecord, error) {
	var doc SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}

	codes := make([]schema.NewRecord, 0, len(doc.Codes))
	for i, c := range doc.Codes {
		c = c.Normalize()
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("seed entry %d (%q): %w", i, c.Name, err)
		}
		codes = append(codes, c)
	}
	return codes, nil
}

// SeedIfEmpty inserts the codes of the seed file at path when the store holds
// no record yet. It returns the number of inserted records.
func SeedIfEmpty(ctx context.Context, store interface {
	ListRecords(ctx context.Context, order schema.Order) ([]schema.UssdRecord, error)
	InsertRecord(ctx context.Context, in schema.NewRecord) (schema.UssdRecord, error)
}, path string) (int, error) {
	existing, err := store.ListRecords(ctx, schema.OrderCreatedAsc)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	codes, err := LoadSeed(f)
	if err != nil {
		return 0, err
	}
	for i, c := range codes {
		if _, err := store.InsertRecord(ctx, c); err != nil {
			return i, fmt.Errorf("failed to insert %q: %w", c.Name, err)
		}
	}
	return len(codes), nil
}
