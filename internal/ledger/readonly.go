package ledger

import "context"

type readOnlyView struct {
	inner Client
}

// ReadOnlyView exposes c without write capability, for backends that only
// have one connection to share between reads and the signer session.
func ReadOnlyView(c Client) Client {
	return readOnlyView{inner: c}
}

func (v readOnlyView) IsAvailable(ctx context.Context) bool { return v.inner.IsAvailable(ctx) }

func (v readOnlyView) GetData(ctx context.Context, key string) ([]byte, error) {
	return v.inner.GetData(ctx, key)
}

func (v readOnlyView) SetData(context.Context, string, []byte) (Receipt, error) {
	return Receipt{}, ErrReadOnly
}

func (v readOnlyView) Mode() Mode { return ModeReadOnly }
