package cli

import (
	"context"
	"fmt"

	"github.com/roach88/quill/internal/boltstore"
	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/config"
	"github.com/roach88/quill/internal/store"
)

// StoreFlags overrides the store section of the config.
type StoreFlags struct {
	Driver string
	Path   string
}

// resolve applies the flags that were set on top of cfg.
func (f StoreFlags) resolve(cfg config.Store) config.Store {
	if f.Driver != "" {
		cfg.Driver = f.Driver
	}
	if f.Path != "" {
		cfg.Path = f.Path
	}
	return cfg
}

// openBackend opens the configured change log store.
func openBackend(cfg config.Store) (changelog.Backend, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := store.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "bolt":
		st, err := boltstore.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// clientReader is implemented by backends with an index on record authors.
type clientReader interface {
	ReadByClient(ctx context.Context, clientID string) ([]changelog.KeyedRecord, error)
}

// readRecords returns the branch's records from start on, optionally only
// those written by clientID.
func readRecords(ctx context.Context, b changelog.Branch, start int64, clientID string) ([]changelog.KeyedRecord, error) {
	if clientID == "" {
		return b.Range(ctx, start)
	}

	var (
		records []changelog.KeyedRecord
		err     error
	)
	if cr, ok := b.(clientReader); ok {
		records, err = cr.ReadByClient(ctx, clientID)
	} else {
		records, err = b.Range(ctx, start)
	}
	if err != nil {
		return nil, err
	}

	out := records[:0]
	for _, kr := range records {
		if kr.Key >= start && kr.Record.ClientID == clientID {
			out = append(out, kr)
		}
	}
	return out, nil
}
