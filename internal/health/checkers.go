package health

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// ChainIDReader reports the chain a JSON-RPC endpoint serves. Satisfied by
// *ethclient.Client.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Database returns a checker that pings the ledger database.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Chain returns a checker that verifies the RPC endpoint answers and serves
// the configured chain.
func Chain(client ChainIDReader, wantChainID int64) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		id, err := client.ChainID(ctx)
		if err != nil {
			return Status{Name: "chain_rpc", Healthy: false, Detail: err.Error()}
		}
		if id.Int64() != wantChainID {
			return Status{
				Name:    "chain_rpc",
				Healthy: false,
				Detail:  fmt.Sprintf("connected to chain %d, want %d", id.Int64(), wantChainID),
			}
		}
		return Status{Name: "chain_rpc", Healthy: true}
	}
}
