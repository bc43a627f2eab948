// Package wallet moves funds between owners. It stands in for the host
// runtime's native value transfer: the settlement core decides how much moves
// and in which direction, and wallet applies it to Account records inside the
// caller's transaction.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/store"
)

// Balance returns owner's funds; an owner with no account holds zero.
func Balance(ctx context.Context, tx store.Tx, owner string) (uint64, error) {
	acct, err := tx.GetAccount(ctx, owner)
	if errors.Is(err, model.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Deposit credits amount to owner and returns the new balance.
func Deposit(ctx context.Context, tx store.Tx, owner string, amount uint64) (uint64, error) {
	if owner == "" {
		return 0, fmt.Errorf("deposit: %w", model.ErrInvalidIdentity)
	}
	if amount == 0 {
		return 0, fmt.Errorf("deposit: zero amount: %w", model.ErrInvalidSupply)
	}
	bal, err := Balance(ctx, tx, owner)
	if err != nil {
		return 0, err
	}
	bal, err = model.AddU64(bal, amount)
	if err != nil {
		return 0, fmt.Errorf("deposit to %s: %w", owner, err)
	}
	return bal, tx.PutAccount(ctx, &model.Account{Owner: owner, Balance: bal})
}

// Transfer moves amount from one owner to another. It fails with
// ErrInsufficientFunds before writing anything if from cannot cover it.
func Transfer(ctx context.Context, tx store.Tx, from, to string, amount uint64) error {
	if from == to || amount == 0 {
		return nil
	}
	fromBal, err := Balance(ctx, tx, from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", from, fromBal, amount, model.ErrInsufficientFunds)
	}
	toBal, err := Balance(ctx, tx, to)
	if err != nil {
		return err
	}
	toBal, err = model.AddU64(toBal, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	if err := tx.PutAccount(ctx, &model.Account{Owner: from, Balance: fromBal - amount}); err != nil {
		return err
	}
	return tx.PutAccount(ctx, &model.Account{Owner: to, Balance: toBal})
}
