package status

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latchbridge/latchbridge/pkg/aggregator"
	"github.com/latchbridge/latchbridge/pkg/assetledger"
	"github.com/latchbridge/latchbridge/pkg/db"
	"github.com/latchbridge/latchbridge/pkg/event"
	"github.com/latchbridge/latchbridge/pkg/finality"
	"github.com/latchbridge/latchbridge/pkg/registry"
	"github.com/latchbridge/latchbridge/pkg/settlement"
)

var governance = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newTestServer(t *testing.T) (*Server, *aggregator.Aggregator, func(ev event.BridgeEvent, key int) *event.Attestation, chan *event.Attestation) {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	k1, err := crypto.GenerateKey()
	require.NoError(t, err)
	k2, err := crypto.GenerateKey()
	require.NoError(t, err)

	quorum := 2
	reg := registry.NewSet(governance, zap.NewNop())
	require.NoError(t, reg.Apply(governance, registry.Change{
		Add:    []common.Address{crypto.PubkeyToAddress(k1.PublicKey), crypto.PubkeyToAddress(k2.PublicKey)},
		Quorum: &quorum,
	}))

	ledger := assetledger.NewLedger()
	owner, _ := event.StringToAddress("aa")
	require.NoError(t, ledger.CreateAsset(7, owner, sdkmath.NewInt(1), sdkmath.NewInt(1_000_000)))

	heights := &finality.FixedHeightSource{}
	heights.Set(100)

	engine := settlement.NewEngine(database, ledger, heights, zap.NewNop())
	agg := aggregator.New(reg, finality.NewGate(1), heights, engine, database, aggregator.Config{}, zap.NewNop())

	signer := func(ev event.BridgeEvent, key int) *event.Attestation {
		a := &event.Attestation{Event: ev, Confirmations: 20}
		switch key {
		case 0:
			require.NoError(t, a.Sign(k1))
		default:
			require.NoError(t, a.Sign(k2))
		}
		return a
	}

	attC := make(chan *event.Attestation, 8)
	return NewServer("127.0.0.1:0", engine, reg, agg, attC, zap.NewNop()), agg, signer, attC
}

func testEvent() event.BridgeEvent {
	dest, _ := event.StringToAddress("0000000000000000000000000290fb167208af455bb137780163b7b7a9a10c16")
	return event.BridgeEvent{
		SourceChain: 2,
		SourceTxID:  []byte{0xde, 0xad, 0xbe, 0xef},
		AssetID:     7,
		Amount:      100,
		Destination: dest,
		Nonce:       1,
	}
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rr := get(t, srv.Router(), "/v1/health")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRelayersEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rr := get(t, srv.Router(), "/v1/relayers")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp relayersResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, governance.Hex(), resp.Governance)
	assert.Equal(t, 2, resp.Quorum)
	assert.Len(t, resp.Relayers, 2)
}

func TestSettlementLookupLifecycle(t *testing.T) {
	srv, agg, sign, _ := newTestServer(t)
	router := srv.Router()
	ev := testEvent()
	path := "/v1/settlement/2/deadbeef"

	// Unknown tx.
	rr := get(t, router, path)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// One vote in: pending.
	_, err := agg.Submit(sign(ev, 0))
	require.NoError(t, err)

	rr = get(t, router, path)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp settlementResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Settled)
	require.Len(t, resp.Pending, 1)
	assert.Equal(t, 1, resp.Pending[0].Votes)

	// Quorum: settled.
	_, err = agg.Submit(sign(ev, 1))
	require.NoError(t, err)

	rr = get(t, router, path)
	require.Equal(t, http.StatusOK, rr.Code)
	resp = settlementResponse{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Settled)
	assert.Equal(t, uint64(100), resp.Amount)
	assert.Len(t, resp.Voters, 2)
}

func TestSettlementLookupRejectsBadInput(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/settlement/notachain/deadbeef").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/settlement/2/nothex").Code)
}

func TestPendingEndpoint(t *testing.T) {
	srv, agg, sign, _ := newTestServer(t)
	router := srv.Router()

	rr := get(t, router, "/v1/pending")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	_, err := agg.Submit(sign(testEvent(), 0))
	require.NoError(t, err)

	rr = get(t, router, "/v1/pending")
	require.Equal(t, http.StatusOK, rr.Code)
	var pending []aggregator.PendingDigest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Votes)
}

func TestIngestQueuesAttestation(t *testing.T) {
	srv, _, sign, attC := newTestServer(t)
	router := srv.Router()

	ev := testEvent()
	att := sign(ev, 0)

	body, err := json.Marshal(attestationRequest{
		Relayer:       att.Relayer.Hex(),
		SourceChain:   uint16(ev.SourceChain),
		SourceTxID:    hex.EncodeToString(ev.SourceTxID),
		AssetID:       ev.AssetID,
		Amount:        ev.Amount,
		Destination:   hex.EncodeToString(ev.Destination[:]),
		Nonce:         ev.Nonce,
		Confirmations: att.Confirmations,
		Signature:     hex.EncodeToString(att.Signature),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/attestations", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	queued := <-attC
	assert.Equal(t, att.Relayer, queued.Relayer)
	assert.Equal(t, ev.SigningDigest(), queued.Event.SigningDigest())
	require.NoError(t, queued.VerifySignature())
}

func TestIngestRejectsMalformedBody(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/attestations", bytes.NewReader([]byte("{")))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rr := get(t, srv.Router(), "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "latchbridge_")
}
