package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pulce2011/GPU-Code-Runner/internal/store"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// seedFile is the YAML catalog loaded by admin seed.
//
//	exercises:
//	  - id: vector-add
//	    name: vector_add
//	    return_type: void
//	    params: [{type: "float*", name: a}]
//	    file_extension: .cu
//	    includes: [cuda_runtime.h]
//	users:
//	  - id: u-1001
//	    matr: "1001"
//	    credits: 10
type seedFile struct {
	Exercises []model.Exercise `yaml:"exercises"`
	Users     []seedUser       `yaml:"users"`
}

type seedUser struct {
	ID         string `yaml:"id"`
	Email      string `yaml:"email"`
	Matr       string `yaml:"matr"`
	FirstName  string `yaml:"first_name"`
	LastName   string `yaml:"last_name"`
	Credits    int64  `yaml:"credits"`
	Privileged bool   `yaml:"privileged"`
}

func parseSeed(data []byte) (*seedFile, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, ex := range seed.Exercises {
		if ex.ID == "" || ex.Name == "" {
			return nil, fmt.Errorf("exercise %d: id and name are required", i)
		}
	}
	for i, u := range seed.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("user %d: id is required", i)
		}
		if u.Credits < 0 {
			return nil, fmt.Errorf("user %s: credits must be >= 0", u.ID)
		}
	}
	return &seed, nil
}

// applySeed upserts every exercise and user in seed.
func applySeed(ctx context.Context, st store.Store, seed *seedFile) error {
	for i := range seed.Exercises {
		if err := st.UpsertExercise(ctx, &seed.Exercises[i]); err != nil {
			return fmt.Errorf("upsert exercise %s: %w", seed.Exercises[i].ID, err)
		}
	}
	now := time.Now().UTC()
	for _, u := range seed.Users {
		user := &model.User{
			ID:         u.ID,
			Email:      u.Email,
			Matr:       u.Matr,
			FirstName:  u.FirstName,
			LastName:   u.LastName,
			Credits:    u.Credits,
			Privileged: u.Privileged,
			CreatedAt:  now,
		}
		if err := st.UpsertUser(ctx, user); err != nil {
			return fmt.Errorf("upsert user %s: %w", u.ID, err)
		}
	}
	return nil
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load exercises and users from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read seed: %w", err)
			}
			seed, err := parseSeed(data)
			if err != nil {
				return err
			}

			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := applySeed(cmd.Context(), st, seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d exercises and %d users\n", len(seed.Exercises), len(seed.Users))
			return nil
		},
	}
}
