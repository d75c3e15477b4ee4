package ledger

import (
	"net/http"

	xerrors "AgentLedger/internal/errors"
)

const (
	CodeNotFound            xerrors.Code = "LEDGER_NOT_FOUND"
	CodeUnauthorized        xerrors.Code = "LEDGER_UNAUTHORIZED"
	CodeAlreadyListed       xerrors.Code = "LEDGER_ALREADY_LISTED"
	CodeNotListed           xerrors.Code = "LEDGER_NOT_LISTED"
	CodeInvalidPrice        xerrors.Code = "LEDGER_INVALID_PRICE"
	CodeInsufficientPayment xerrors.Code = "LEDGER_INSUFFICIENT_PAYMENT"
	CodeSelfPurchase        xerrors.Code = "LEDGER_SELF_PURCHASE"
	CodeNothingToWithdraw   xerrors.Code = "LEDGER_NOTHING_TO_WITHDRAW"
)

// 供 errors.Is 使用的哨兵错误，账本返回的错误按错误码与之匹配。
var (
	ErrNotFound            = xerrors.New(CodeNotFound, "asset not found")
	ErrUnauthorized        = xerrors.New(CodeUnauthorized, "caller not authorized")
	ErrAlreadyListed       = xerrors.New(CodeAlreadyListed, "asset already listed")
	ErrNotListed           = xerrors.New(CodeNotListed, "asset not listed")
	ErrInvalidPrice        = xerrors.New(CodeInvalidPrice, "invalid price")
	ErrInsufficientPayment = xerrors.New(CodeInsufficientPayment, "insufficient payment")
	ErrSelfPurchase        = xerrors.New(CodeSelfPurchase, "owner cannot purchase own asset")
	ErrNothingToWithdraw   = xerrors.New(CodeNothingToWithdraw, "no pending balance")
)

func init() {
	register := func(code xerrors.Code, message string, severity xerrors.Severity, status int) {
		xerrors.Register(code, xerrors.Attributes{
			Message:  message,
			Severity: severity,
			Status:   status,
		})
	}
	register(CodeNotFound, "asset not found", xerrors.SeverityInfo, http.StatusNotFound)
	register(CodeUnauthorized, "caller not authorized", xerrors.SeverityWarning, http.StatusForbidden)
	register(CodeAlreadyListed, "asset already listed", xerrors.SeverityInfo, http.StatusConflict)
	register(CodeNotListed, "asset not listed", xerrors.SeverityInfo, http.StatusConflict)
	register(CodeInvalidPrice, "invalid price", xerrors.SeverityInfo, http.StatusUnprocessableEntity)
	register(CodeInsufficientPayment, "insufficient payment", xerrors.SeverityInfo, http.StatusPaymentRequired)
	register(CodeSelfPurchase, "owner cannot purchase own asset", xerrors.SeverityInfo, http.StatusConflict)
	register(CodeNothingToWithdraw, "no pending balance", xerrors.SeverityInfo, http.StatusConflict)
}

func notFound(id AssetID) error {
	return xerrors.Newf(CodeNotFound, "asset %d not found", id)
}
