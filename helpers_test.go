package llmbroker_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	lb "github.com/ineyio/llmbroker"
	"github.com/ineyio/llmbroker/ledger/memory"
)

var (
	testDirectory = common.HexToAddress("0x00000000000000000000000000000000000d1200")
	clientAddr    = common.HexToAddress("0x000000000000000000000000000000000000c001")
	providerAddr  = common.HexToAddress("0x000000000000000000000000000000000000f001")
	otherProvider = common.HexToAddress("0x000000000000000000000000000000000000f002")
)

type fixture struct {
	world  *memory.World
	client *lb.Client
	kp     lb.KeyPair
}

func newFixture(t *testing.T, opts ...lb.Option) *fixture {
	t.Helper()
	world := memory.NewWorld(testDirectory)
	world.Fund(clientAddr, big.NewInt(1_000_000))

	c, err := lb.NewClient(testConfig(), world.Session(clientAddr), opts...)
	require.NoError(t, err)

	kp, err := lb.CreateKeyPair()
	require.NoError(t, err)

	return &fixture{world: world, client: c, kp: kp}
}

func testConfig() lb.Config {
	return lb.Config{
		Ledger: lb.LedgerConfig{
			RPCURL:           "http://localhost:8545",
			ChainID:          1337,
			DirectoryAddress: testDirectory.Hex(),
		},
		Client: lb.ClientConfig{DefaultModel: "x", MaxTokens: 700},
	}
}

// session returns a client acting as owner on the fixture's ledger.
func (f *fixture) session(t *testing.T, owner common.Address) *lb.Client {
	t.Helper()
	c, err := lb.NewClient(testConfig(), f.world.Session(owner))
	require.NoError(t, err)
	return c
}

// addServer registers a server owned by owner.
func (f *fixture) addServer(t *testing.T, owner common.Address, model string, in, out int64) common.Address {
	t.Helper()
	server, err := f.session(t, owner).RegisterServer(context.Background(), lb.ServerSetup{
		Endpoint:        "http://provider.invalid",
		Model:           model,
		InputTokenCost:  big.NewInt(in),
		OutputTokenCost: big.NewInt(out),
	})
	require.NoError(t, err)
	return server
}

func (f *fixture) openAgreement(t *testing.T, server common.Address, deposit int64) lb.Agreement {
	t.Helper()
	a, err := f.client.CreateAgreement(context.Background(), server, f.kp.Public, big.NewInt(deposit))
	require.NoError(t, err)
	return a
}

// failingLedger fails agreement lookups against one server.
type failingLedger struct {
	*memory.Ledger
	failServer common.Address
}

var errRPCDown = errors.New("rpc down")

func (l *failingLedger) AgreementAddress(ctx context.Context, server, client common.Address) (common.Address, error) {
	if server == l.failServer {
		return common.Address{}, errRPCDown
	}
	return l.Ledger.AgreementAddress(ctx, server, client)
}

// recordingMeter keeps every event for assertions.
type recordingMeter struct {
	mu       sync.Mutex
	selects  []lb.SelectEvent
	dispatch []lb.DispatchEvent
	results  []lb.ResultEvent
	writes   []lb.LedgerWriteEvent
}

func (m *recordingMeter) OnSelect(e lb.SelectEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selects = append(m.selects, e)
}

func (m *recordingMeter) OnDispatch(e lb.DispatchEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch = append(m.dispatch, e)
}

func (m *recordingMeter) OnResult(e lb.ResultEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, e)
}

func (m *recordingMeter) OnLedgerWrite(e lb.LedgerWriteEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, e)
}

// staticLedger serves a fixed directory.
type staticLedger struct {
	*memory.Ledger
	listings []lb.ServerListing
}

func (l *staticLedger) AllServers(context.Context) ([]lb.ServerListing, error) {
	return l.listings, nil
}
