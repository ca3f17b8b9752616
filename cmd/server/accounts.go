package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"go-groupwatch/internal/core/postgres/repository"
	"go-groupwatch/internal/domain"
)

func runMigrate(ctx context.Context, a *app) error {
	if err := repository.Migrate(a.db.WithContext(ctx)); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "schema up to date")
	return nil
}

func runCreateAccount(ctx context.Context, a *app, tenantID uuid.UUID, name string) error {
	account := domain.NewAccount(tenantID, name)
	if err := a.accounts.Create(ctx, account); err != nil {
		return err
	}
	fmt.Println(account.ID)
	return nil
}

// ensureIdle refuses to touch a session that a worker may hold. The session
// lock only spans one process, the workflow rows span all of them.
func ensureIdle(ctx context.Context, a *app, accountID uuid.UUID) error {
	running, err := a.workflows.CountRunning(ctx, accountID)
	if err != nil {
		return err
	}
	if running > 0 {
		return fmt.Errorf("%w: account %s has %d running workflows, stop them first", domain.ErrSessionBusy, accountID, running)
	}
	return nil
}

func runLogin(ctx context.Context, a *app, accountID uuid.UUID) error {
	account, err := a.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if err := ensureIdle(ctx, a, account.ID); err != nil {
		return err
	}

	res, err := a.sessionManager().Login(ctx, account.TenantID, account.ID)
	if err != nil {
		return err
	}
	if !res.LoggedIn {
		return fmt.Errorf("login not completed, account is %s", res.Status)
	}
	fmt.Printf("account %s logged in, status %s\n", account.ID, res.Status)
	return nil
}

func runLogout(ctx context.Context, a *app, accountID uuid.UUID) error {
	account, err := a.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if err := ensureIdle(ctx, a, account.ID); err != nil {
		return err
	}
	if err := a.sessionManager().Logout(ctx, account.TenantID, account.ID); err != nil {
		return err
	}
	fmt.Printf("account %s logged out\n", account.ID)
	return nil
}
