package health

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

type fakeChainIDReader struct {
	id  int64
	err error
}

func (f *fakeChainIDReader) ChainID(_ context.Context) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return big.NewInt(f.id), nil
}

func TestChainChecker(t *testing.T) {
	s := Chain(&fakeChainIDReader{id: 84532}, 84532)(context.Background())
	if !s.Healthy {
		t.Fatalf("expected healthy, got detail %q", s.Detail)
	}

	s = Chain(&fakeChainIDReader{id: 1}, 84532)(context.Background())
	if s.Healthy {
		t.Fatal("wrong chain should be unhealthy")
	}

	s = Chain(&fakeChainIDReader{err: errors.New("dial refused")}, 84532)(context.Background())
	if s.Healthy {
		t.Fatal("RPC error should be unhealthy")
	}
	if s.Detail != "dial refused" {
		t.Fatalf("expected error detail, got %q", s.Detail)
	}
}
