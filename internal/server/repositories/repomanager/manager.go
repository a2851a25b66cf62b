// Package repomanager groups the account repositories behind one handle and
// runs multi-step sequences atomically.
package repomanager

import (
	"context"

	"github.com/dmitrijs2005/gophauth/internal/server/repositories/emailverifications"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/users"
)

// Repositories exposes the account repositories bound to one connection or
// transaction.
type Repositories interface {
	Users() users.Repository
	EmailVerifications() emailverifications.Repository
}

// RepositoryManager vends repositories bound to the shared pool and runs
// functions in a transaction. Writes made through the Repositories handed to
// fn are committed when fn returns nil and discarded otherwise.
type RepositoryManager interface {
	Repositories
	InTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error
	RunMigrations(ctx context.Context) error
}
