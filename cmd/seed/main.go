// Command seed loads branches, one user per role and a few days of open
// sales into Postgres for local development.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"backoffice/backend/internal/config"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/httpapi"
	"backoffice/backend/internal/logging"
	"backoffice/backend/internal/store"
	pgstore "backoffice/backend/internal/store/postgres"
)

var demoMethods = []string{"CASH", "PROMPTPAY", "QR", "CASH", "CARD", "BANK TRANSFER"}

func main() {
	demoDays := flag.Int("demo-days", 3, "days of open demo sales to create per branch (0 disables)")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL must be set")
	}

	ctx := context.Background()
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("unable to connect to database")
	}
	defer pg.Close()

	if err := pg.Migrate(); err != nil {
		logger.WithError(err).Fatal("migrate failed")
	}

	branches, err := seedBranches(ctx, pg, []string{"Central", "Riverside"})
	if err != nil {
		logger.WithError(err).Fatal("failed to seed branches")
	}

	users := []domain.UserAccount{
		{Username: "admin", FullName: "Back Office Admin", Role: domain.RoleAdmin},
		{Username: "manager", FullName: "Central Manager", Role: domain.RoleManager, BranchID: branches[0].ID},
		{Username: "staff", FullName: "Central Staff", Role: domain.RoleStaff, BranchID: branches[0].ID},
	}
	if len(branches) > 1 {
		users = append(users, domain.UserAccount{Username: "riverside", FullName: "Riverside Manager", Role: domain.RoleManager, BranchID: branches[1].ID})
	}
	for _, u := range users {
		if err := seedUser(ctx, pg, u, seedPassword(logger, u.Role)); err != nil {
			logger.WithError(err).WithField("username", u.Username).Fatal("failed to seed user")
		}
	}

	created := 0
	now := time.Now().UTC()
	for _, branch := range branches {
		for day := 1; day <= *demoDays; day++ {
			for i, method := range demoMethods {
				total := decimal.NewFromInt(int64(60 + 45*i))
				vat := total.Mul(decimal.NewFromInt(7)).Div(decimal.NewFromInt(107)).Round(2)
				_, err := pg.CreateSale(ctx, domain.Sale{
					BranchID:      branch.ID,
					SoldAt:        now.AddDate(0, 0, -day).Add(time.Duration(i) * 7 * time.Minute),
					Subtotal:      total.Sub(vat),
					VATAmount:     vat,
					Total:         total,
					PaymentMethod: method,
					Status:        domain.SaleStatusPaid,
				})
				if err != nil {
					logger.WithError(err).WithField("branch_id", branch.ID).Fatal("failed to seed sale")
				}
				created++
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"branches": len(branches),
		"users":    len(users),
		"sales":    created,
	}).Info("seed complete")
}

// seedBranches reuses existing branches so the command can be re-run.
func seedBranches(ctx context.Context, pg *pgstore.Store, names []string) ([]domain.Branch, error) {
	existing, err := pg.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}
	branches := make([]domain.Branch, 0, len(names))
	for _, name := range names {
		b, err := pg.CreateBranch(ctx, name)
		if err != nil {
			return nil, err
		}
		branches = append(branches, *b)
	}
	return branches, nil
}

func seedUser(ctx context.Context, pg *pgstore.Store, user domain.UserAccount, password string) error {
	hash, err := httpapi.HashPassword(password)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	err = pg.CreateUser(ctx, user)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

func seedPassword(logger *logrus.Logger, role string) string {
	key := map[string]string{
		domain.RoleAdmin:   "SEED_ADMIN_PASSWORD",
		domain.RoleManager: "SEED_MANAGER_PASSWORD",
		domain.RoleStaff:   "SEED_STAFF_PASSWORD",
	}[role]
	if v := os.Getenv(key); v != "" {
		return v
	}
	logger.WithField("env", key).Warn("using default dev password; change immediately outside development")
	return role + "123"
}
