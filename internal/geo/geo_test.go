package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalResolverClassifiesLoopback(t *testing.T) {
	r := NewLocalResolver()
	info, err := r.Lookup(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "Local", info.Region)
	assert.Equal(t, "loopback", info.Org)
}

func TestLocalResolverClassifiesPrivateNetwork(t *testing.T) {
	r := NewLocalResolver()
	info, err := r.Lookup(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "Local", info.Region)
	assert.Equal(t, "private-network", info.Org)
}

func TestLocalResolverUnknownForPublicIP(t *testing.T) {
	r := NewLocalResolver()
	info, err := r.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, Unknown, info)
}

type erroringResolver struct{}

func (erroringResolver) Lookup(ctx context.Context, ip string) (Info, error) {
	return Info{}, errors.New("boom")
}

type slowResolver struct{ delay time.Duration }

func (s slowResolver) Lookup(ctx context.Context, ip string) (Info, error) {
	select {
	case <-time.After(s.delay):
		return Info{ASN: 1}, nil
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}

func TestWithTimeoutDegradesErrorsToUnknown(t *testing.T) {
	r := WithTimeout(erroringResolver{}, time.Second)
	info, err := r.Lookup(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, Unknown, info)
}

func TestWithTimeoutDegradesTimeoutToUnknown(t *testing.T) {
	r := WithTimeout(slowResolver{delay: 200 * time.Millisecond}, 10*time.Millisecond)
	info, err := r.Lookup(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, Unknown, info)
}
