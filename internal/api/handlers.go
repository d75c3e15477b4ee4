package api

import (
	"context"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"AgentLedger/internal/auth"
	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/indexer"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/proofs"
	"AgentLedger/internal/web3"
)

type challengeRequest struct {
	Address string `json:"address"`
}

type mintRequest struct {
	To         string `json:"to"`
	ContentRef string `json:"content_ref"`
}

type priceRequest struct {
	Price string `json:"price"`
}

type purchaseRequest struct {
	Payment string `json:"payment"`
}

type transferRequest struct {
	To string `json:"to"`
}

type statsResponse struct {
	Issuer       string         `json:"issuer"`
	TotalSupply  uint64         `json:"total_supply"`
	Listed       int            `json:"listed"`
	LastSequence uint64         `json:"last_sequence"`
	Indexer      *indexer.Stats `json:"indexer,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"total_supply":  s.ledger.TotalSupply(),
		"last_sequence": s.ledger.LastSequence(),
	})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	challenge, err := s.auth.Challenge(r.Context(), req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, err := s.auth.Exchange(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	var views []ledger.AssetView
	if raw := r.URL.Query().Get("owner"); raw != "" {
		owner, err := parseAddress("owner", raw)
		if err != nil {
			writeError(w, err)
			return
		}
		views = s.ownedViews(owner)
	} else {
		views = s.ledger.Assets()
	}
	out := make([]assetView, 0, len(views))
	for _, v := range views {
		out = append(out, newAssetView(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out, "total_supply": s.ledger.TotalSupply()})
}

// ownedViews 通过所有者索引取资产视图。索引与视图之间资产可能已易主，需再次核对。
func (s *Server) ownedViews(owner common.Address) []ledger.AssetView {
	ids := s.ledger.AssetsOf(owner)
	views := make([]ledger.AssetView, 0, len(ids))
	for _, id := range ids {
		v, err := s.ledger.Asset(id)
		if err != nil || v.Owner != owner {
			continue
		}
		views = append(views, v)
	}
	return views
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	var req mintRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.ledger.Mint(r.Context(), caller, to, req.ContentRef)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeAsset(w, http.StatusCreated, id)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.ParseAssetID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeAsset(w, http.StatusOK, id)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.ParseAssetID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.Transfer(r.Context(), id, to, s.caller(r)); err != nil {
		writeError(w, err)
		return
	}
	s.writeAsset(w, http.StatusOK, id)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.handlePrice(w, r, s.ledger.List)
}

func (s *Server) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	s.handlePrice(w, r, s.ledger.UpdatePrice)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request, apply func(context.Context, ledger.AssetID, *big.Int, common.Address) error) {
	id, err := ledger.ParseAssetID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req priceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := apply(r.Context(), id, price, s.caller(r)); err != nil {
		writeError(w, err)
		return
	}
	s.writeAsset(w, http.StatusOK, id)
}

func (s *Server) handleDelist(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.ParseAssetID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.Delist(r.Context(), id, s.caller(r)); err != nil {
		writeError(w, err)
		return
	}
	s.writeAsset(w, http.StatusOK, id)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.ParseAssetID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req purchaseRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	payment, err := parseAmount("payment", req.Payment)
	if err != nil {
		writeError(w, err)
		return
	}
	if payment == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "payment is required"))
		return
	}
	receipt, err := s.ledger.Purchase(r.Context(), id, s.caller(r), payment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.ParseAssetID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ledger.OwnerOf(id); err != nil {
		writeError(w, err)
		return
	}
	if s.history == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "history is not available"))
		return
	}
	events, err := s.history.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset_id": uint64(id), "events": newEventViews(events)})
}

func (s *Server) handleListings(w http.ResponseWriter, _ *http.Request) {
	listings := s.ledger.Listings()
	out := make([]listingEntry, 0, len(listings))
	for i := range listings {
		out = append(out, listingEntry{AssetID: uint64(listings[i].AssetID), listingView: *newListingView(&listings[i])})
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Issuer:       s.ledger.Issuer().Hex(),
		TotalSupply:  s.ledger.TotalSupply(),
		Listed:       len(s.ledger.Listings()),
		LastSequence: s.ledger.LastSequence(),
	}
	if s.indexer != nil {
		stats := s.indexer.Stats()
		resp.Indexer = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Address: addr.Hex(), Balance: amountString(s.ledger.BalanceOf(addr))})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	amount, err := s.ledger.Withdraw(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": caller.Hex(), "amount": amount.String()})
}

func (s *Server) writeAsset(w http.ResponseWriter, status int, id ledger.AssetID) {
	view, err := s.ledger.Asset(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, newAssetView(view))
}

// caller 返回认证中间件写入的调用方地址。
func (s *Server) caller(r *http.Request) common.Address {
	addr, _ := auth.CallerFromContext(r.Context())
	return addr
}

type checkpointResponse struct {
	Head   proofs.Checkpoint `json:"head"`
	Anchor *web3.Record      `json:"anchor,omitempty"`
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, _ *http.Request) {
	resp := checkpointResponse{Head: s.chain.Head()}
	if s.anchorer != nil {
		if rec, ok := s.anchorer.Last(); ok {
			resp.Anchor = &rec
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
