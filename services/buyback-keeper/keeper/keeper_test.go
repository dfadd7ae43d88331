package keeper

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"buyback/services/buyback-keeper/client"
)

var (
	keeperID = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	ready    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	pending  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	closed   = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	cooling  = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	broken   = common.HexToAddress("0x00000000000000000000000000000000000000a5")
)

type fakeAPI struct {
	buybacks map[common.Address]*client.Buyback
	claimErr map[common.Address]error
	posts    []common.Address
	claims   []common.Address
}

func (f *fakeAPI) ListOwners(context.Context) ([]common.Address, error) {
	return []common.Address{ready, pending, closed, cooling, broken}, nil
}

func (f *fakeAPI) GetBuyBack(_ context.Context, owner common.Address) (*client.Buyback, error) {
	b, ok := f.buybacks[owner]
	if !ok {
		return nil, &client.APIError{Status: http.StatusNotFound, Message: "not found"}
	}
	return b, nil
}

func (f *fakeAPI) Post(_ context.Context, owner common.Address) error {
	f.posts = append(f.posts, owner)
	return nil
}

func (f *fakeAPI) Claim(_ context.Context, owner common.Address) error {
	f.claims = append(f.claims, owner)
	return f.claimErr[owner]
}

func TestTickPokesEligibleOwners(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	api := &fakeAPI{
		buybacks: map[common.Address]*client.Buyback{
			ready:   {AllowExternalPoke: true, Schedule: []client.Entry{{Round: 1, Amount: "5"}}},
			pending: {AllowExternalPoke: true, Pending: &client.Pending{Round: 0, Amount: "5"}},
			closed:  {AllowExternalPoke: false, Schedule: []client.Entry{{Round: 1, Amount: "5"}}},
			cooling: {AllowExternalPoke: true, LastPostedAt: now.Unix() - 10, IntervalSeconds: 60, Schedule: []client.Entry{{Round: 2, Amount: "1"}}},
		},
		claimErr: map[common.Address]error{
			pending: &client.APIError{Status: http.StatusConflict, Message: "cannot claim unexecuted order"},
		},
	}
	k := New(api, keeperID, nil, nil)
	k.now = func() time.Time { return now }

	summary := k.Tick(context.Background())
	require.Equal(t, []common.Address{ready}, api.posts)
	require.Equal(t, []common.Address{pending}, api.claims)
	require.Equal(t, Summary{Posted: 1, Skipped: 3, Failed: 1}, summary)
}

func TestTickClaimsAndCountsFailures(t *testing.T) {
	api := &fakeAPI{
		buybacks: map[common.Address]*client.Buyback{
			pending: {AllowExternalPoke: true, Pending: &client.Pending{Round: 0, Amount: "5"}},
			ready:   {AllowExternalPoke: true, Pending: &client.Pending{Round: 1, Amount: "5"}},
		},
		claimErr: map[common.Address]error{
			ready: errors.New("connection refused"),
		},
	}
	k := New(api, keeperID, []common.Address{pending, ready}, nil)
	summary := k.Tick(context.Background())
	require.Equal(t, Summary{Claimed: 1, Failed: 1}, summary)
	require.Empty(t, api.posts)
}

func TestTickPokesOwnIdentityWithoutExternalPoke(t *testing.T) {
	api := &fakeAPI{
		buybacks: map[common.Address]*client.Buyback{
			keeperID: {AllowExternalPoke: false, Schedule: []client.Entry{{Round: 1, Amount: "5"}}},
		},
	}
	k := New(api, keeperID, []common.Address{keeperID}, nil)
	summary := k.Tick(context.Background())
	require.Equal(t, 1, summary.Posted)
}
