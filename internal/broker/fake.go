package broker

import "context"

// Fake is an in-memory Client for tests and dry runs.
type Fake struct {
	Positions []Position
	Acct      Account
	Err       error // returned by every call when set
}

func (f *Fake) ListPositions(ctx context.Context) ([]Position, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]Position, len(f.Positions))
	copy(out, f.Positions)
	return out, nil
}

func (f *Fake) GetAccount(ctx context.Context) (Account, error) {
	if f.Err != nil {
		return Account{}, f.Err
	}
	return f.Acct, nil
}
