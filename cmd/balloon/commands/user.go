package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/balloonfs/balloon/internal/bytesize"
	"github.com/balloonfs/balloon/pkg/config"
	deltastore "github.com/balloonfs/balloon/pkg/delta/store/gormstore"
	"github.com/balloonfs/balloon/pkg/fs/store/gormstore"
	"github.com/balloonfs/balloon/pkg/identity"
	idstore "github.com/balloonfs/balloon/pkg/identity/gormstore"
)

var (
	userAdmin     bool
	userHardQuota string
	userSoftQuota string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and groups",
}

var userAddCmd = &cobra.Command{
	Use:   "add <id> <username>",
	Short: "Create or update a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runUserAdd,
}

var groupAddCmd = &cobra.Command{
	Use:   "add-group <id> <name>",
	Short: "Create or update a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentityStore(func(ctx context.Context, store *idstore.Provider) error {
			if err := store.PutGroup(ctx, &identity.Group{ID: args[0], Name: args[1]}); err != nil {
				return fmt.Errorf("failed to save group: %w", err)
			}
			fmt.Printf("Group %q saved\n", args[0])
			return nil
		})
	},
}

var groupJoinCmd = &cobra.Command{
	Use:   "join <user-id> <group-id>",
	Short: "Add a user to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentityStore(func(ctx context.Context, store *idstore.Provider) error {
			if err := store.AddMember(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("failed to add member: %w", err)
			}
			fmt.Printf("User %q added to group %q\n", args[0], args[1])
			return nil
		})
	},
}

func init() {
	userAddCmd.Flags().BoolVar(&userAdmin, "admin", false, "Grant admin privileges")
	userAddCmd.Flags().StringVar(&userHardQuota, "hard-quota", "", "Hard storage limit (e.g. 10GB); empty uses the configured default")
	userAddCmd.Flags().StringVar(&userSoftQuota, "soft-quota", "", "Soft storage limit (e.g. 8GB); empty uses the configured default")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(groupAddCmd)
	userCmd.AddCommand(groupJoinCmd)
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	hard, err := quotaOrDefault(userHardQuota, cfg.Quota.DefaultHard)
	if err != nil {
		return fmt.Errorf("invalid --hard-quota: %w", err)
	}
	soft, err := quotaOrDefault(userSoftQuota, cfg.Quota.DefaultSoft)
	if err != nil {
		return fmt.Errorf("invalid --soft-quota: %w", err)
	}

	return withIdentityStore(func(ctx context.Context, store *idstore.Provider) error {
		user := &identity.User{
			ID:        args[0],
			Username:  args[1],
			Admin:     userAdmin,
			HardQuota: hard,
			SoftQuota: soft,
		}
		if err := store.PutUser(ctx, user); err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}
		fmt.Printf("User %q saved\n", user.ID)
		return nil
	})
}

// quotaOrDefault parses a human-readable size, falling back to the configured
// default. Zero means unlimited.
func quotaOrDefault(raw string, fallback bytesize.ByteSize) (int64, error) {
	size := fallback
	if raw != "" {
		parsed, err := bytesize.ParseByteSize(raw)
		if err != nil {
			return 0, err
		}
		size = parsed
	}
	if size == 0 {
		return identity.Unlimited, nil
	}
	return size.Int64(), nil
}

// withIdentityStore opens the configured database and runs fn against the
// identity store.
func withIdentityStore(fn func(context.Context, *idstore.Provider) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	return fn(context.Background(), idstore.New(db))
}

// openDatabase opens the shared metadata database with every model
// registered, so any command can run migrations safely.
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	var models []any
	models = append(models, gormstore.Models()...)
	models = append(models, deltastore.Models()...)
	models = append(models, idstore.Models()...)

	db, err := gormstore.OpenDB(&cfg.Database, models...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}
