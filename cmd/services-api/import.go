package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dhos/services-api/internal/domain/entity"
	"github.com/dhos/services-api/internal/domain/patient"
	"github.com/dhos/services-api/internal/domain/records"
	"github.com/dhos/services-api/internal/platform/auth"
)

// fixture is a YAML file of patients to create under one product.
//
//	product: GDM
//	actor: import
//	patients:
//	  - first_name: Jane
//	    ...
type fixture struct {
	Product  string           `yaml:"product"`
	Actor    string           `yaml:"actor"`
	Patients []map[string]any `yaml:"patients"`
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <fixture.yaml>",
		Short: "Create patients from a YAML fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			fx, err := parseFixture(f)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			reg := records.NewRegistry()
			st, err := openStore(ctx, cfg, reg, logger, false)
			if err != nil {
				return err
			}
			defer st.close()

			svc, _, err := newService(cfg, st.repo, reg, logger)
			if err != nil {
				return err
			}
			ids, err := importFixture(ctx, svc, fx)
			for _, id := range ids {
				fmt.Println(id)
			}
			if err != nil {
				return err
			}
			logger.Info().Int("created", len(ids)).Str("product", fx.Product).Msg("fixture imported")
			return nil
		},
	}
}

func parseFixture(r io.Reader) (*fixture, error) {
	var fx fixture
	if err := yaml.NewDecoder(r).Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if fx.Product == "" {
		return nil, errors.New("fixture: product is required")
	}
	if fx.Actor == "" {
		fx.Actor = "import"
	}
	return &fx, nil
}

// importFixture creates each patient in order, stopping at the first
// failure. It returns the ids created so far.
func importFixture(ctx context.Context, svc *patient.Service, fx *fixture) ([]string, error) {
	ctx = auth.WithIdentity(ctx, fx.Actor, nil, []string{auth.ScopeWritePatient})

	var ids []string
	for i, raw := range fx.Patients {
		tree, err := toTree(raw)
		if err != nil {
			return ids, fmt.Errorf("patient %d: %w", i, err)
		}
		p, err := svc.CreatePatient(ctx, fx.Product, tree)
		if err != nil {
			return ids, fmt.Errorf("patient %d: %w", i, err)
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// toTree normalises decoded YAML into the value shapes of a decoded JSON
// body, so numbers arrive as float64.
func toTree(raw map[string]any) (entity.Tree, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var tree entity.Tree
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}
