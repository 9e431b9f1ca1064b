// Package status exposes the node's HTTP surface: settlement lookups, the
// relayer set, pending aggregation, Prometheus metrics, and an attestation
// ingest endpoint feeding the aggregation loop.
package status

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/latchbridge/latchbridge/pkg/aggregator"
	"github.com/latchbridge/latchbridge/pkg/db"
	"github.com/latchbridge/latchbridge/pkg/event"
	"github.com/latchbridge/latchbridge/pkg/registry"
	"github.com/latchbridge/latchbridge/pkg/settlement"
)

type Server struct {
	addr     string
	engine   *settlement.Engine
	registry *registry.Set
	agg      *aggregator.Aggregator
	// attC feeds the aggregation loop. Nil disables the ingest endpoint.
	attC   chan<- *event.Attestation
	logger *zap.Logger
}

func NewServer(addr string, engine *settlement.Engine, reg *registry.Set, agg *aggregator.Aggregator, attC chan<- *event.Attestation, logger *zap.Logger) *Server {
	return &Server{
		addr:     addr,
		engine:   engine,
		registry: reg,
		agg:      agg,
		attC:     attC,
		logger:   logger.With(zap.String("component", "status")),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/relayers", s.handleRelayers).Methods(http.MethodGet)
	r.HandleFunc("/v1/pending", s.handlePending).Methods(http.MethodGet)
	r.HandleFunc("/v1/settlement/{chain}/{txid}", s.handleSettlement).Methods(http.MethodGet)
	if s.attC != nil {
		r.HandleFunc("/v1/attestations", s.handleIngest).Methods(http.MethodPost)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.addr))
		errC <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errC:
		return err
	}
}

type relayerResponse struct {
	Addr    string `json:"addr"`
	Enabled bool   `json:"enabled"`
}

type relayersResponse struct {
	Governance string            `json:"governance"`
	Quorum     int               `json:"quorum"`
	Relayers   []relayerResponse `json:"relayers"`
}

type settlementResponse struct {
	Settled       bool                       `json:"settled"`
	Digest        string                     `json:"digest,omitempty"`
	TxHashB58     string                     `json:"txhash_b58,omitempty"`
	Amount        uint64                     `json:"amount,omitempty"`
	AssetID       uint32                     `json:"asset_id,omitempty"`
	Destination   string                     `json:"destination,omitempty"`
	SettledHeight uint64                     `json:"settled_height,omitempty"`
	Voters        []string                   `json:"voters,omitempty"`
	Pending       []aggregator.PendingDigest `json:"pending,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRelayers(w http.ResponseWriter, _ *http.Request) {
	resp := relayersResponse{
		Governance: s.registry.Governance().Hex(),
		Quorum:     s.registry.Quorum(),
	}
	for _, r := range s.registry.Relayers() {
		resp.Relayers = append(resp.Relayers, relayerResponse{
			Addr:    r.Addr.Hex(),
			Enabled: r.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	pending := s.agg.Pending("")
	if pending == nil {
		pending = []aggregator.PendingDigest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	chain, err := strconv.ParseUint(vars["chain"], 10, 16)
	if err != nil {
		http.Error(w, "invalid chain id", http.StatusBadRequest)
		return
	}
	txid := strings.ToLower(vars["txid"])
	if _, err := hex.DecodeString(txid); err != nil || txid == "" {
		http.Error(w, "invalid txid", http.StatusBadRequest)
		return
	}
	txKey := strconv.FormatUint(chain, 10) + "/" + txid

	rec, err := s.engine.Status(txKey)
	switch {
	case err == nil:
		voters := make([]string, 0, len(rec.Voters))
		for _, v := range rec.Voters {
			voters = append(voters, v.Hex())
		}
		writeJSON(w, http.StatusOK, settlementResponse{
			Settled:       true,
			Digest:        rec.Digest.Hex(),
			TxHashB58:     base58.Encode(rec.Event.SourceTxID),
			Amount:        rec.Event.Amount,
			AssetID:       rec.Event.AssetID,
			Destination:   hex.EncodeToString(rec.Event.Destination[:]),
			SettledHeight: rec.SettledHeight,
			Voters:        voters,
		})

	case errors.Is(err, db.ErrSettlementNotFound):
		pending := s.agg.Pending(txKey)
		if len(pending) == 0 {
			writeJSON(w, http.StatusNotFound, settlementResponse{Settled: false})
			return
		}
		writeJSON(w, http.StatusOK, settlementResponse{Settled: false, Pending: pending})

	default:
		s.logger.Error("settlement lookup failed", zap.String("tx", txKey), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// attestationRequest is the wire form of one relayer attestation. All byte
// fields are hex encoded without a 0x prefix except the relayer address.
type attestationRequest struct {
	Relayer       string `json:"relayer"`
	SourceChain   uint16 `json:"source_chain"`
	SourceTxID    string `json:"source_txid"`
	AssetID       uint32 `json:"asset_id"`
	Amount        uint64 `json:"amount"`
	Destination   string `json:"destination"`
	Nonce         uint64 `json:"nonce"`
	Confirmations uint32 `json:"confirmations"`
	Signature     string `json:"signature"`
}

func (r *attestationRequest) toAttestation() (*event.Attestation, error) {
	txid, err := hex.DecodeString(strings.TrimPrefix(r.SourceTxID, "0x"))
	if err != nil {
		return nil, errors.New("source_txid is not valid hex")
	}
	dest, err := event.StringToAddress(strings.TrimPrefix(r.Destination, "0x"))
	if err != nil {
		return nil, errors.New("destination is not a valid 32-byte hex address")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(r.Signature, "0x"))
	if err != nil {
		return nil, errors.New("signature is not valid hex")
	}

	a := &event.Attestation{
		Relayer: common.HexToAddress(r.Relayer),
		Event: event.BridgeEvent{
			SourceChain: event.ChainID(r.SourceChain),
			SourceTxID:  txid,
			AssetID:     r.AssetID,
			Amount:      r.Amount,
			Destination: dest,
			Nonce:       r.Nonce,
		},
		Confirmations: r.Confirmations,
		Signature:     sig,
	}
	return a, a.Event.Validate()
}

// handleIngest accepts an attestation and hands it to the aggregation loop.
// Acceptance means queued, not counted; signature and authorization checks
// happen in the loop.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req attestationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	att, err := req.toAttestation()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	select {
	case s.attC <- att:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message_id": att.Event.MessageID(),
			"digest":     att.Event.HexDigest(),
		})
	default:
		http.Error(w, "attestation queue full", http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
