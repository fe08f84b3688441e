package usecase

import (
	"errors"
	"fmt"
	"net/http"

	"bookstore/internal/domain/model"
)

var (
	// ユーザーが数量を直せば解決する在庫不足
	ErrInsufficientStock = errors.New("insufficient stock")
	// 決済代行に問い合わせできなかった（呼び出し側が再試行する）
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ロール・所有者チェックに失敗
	ErrUnauthorized = errors.New("unauthorized")
	// 遷移表に無い遷移（model側と同じもの）
	ErrInvalidTransition = model.ErrInvalidTransition
)

// 在庫不足のときに利用者へ見せる文言
const msgLimitedAvailability = "limited availability, quantity adjusted"

type HTTPError struct {
	Status  int
	Message string
	// errors.Isで判定するための元エラー（無くてもよい）
	Err error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

func NewHTTPError(status int, message string) error {
	return &HTTPError{
		Status:  status,
		Message: message,
	}
}

func wrapHTTPError(status int, message string, err error) error {
	return &HTTPError{Status: status, Message: message, Err: err}
}

func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	ok := errors.As(err, &he)
	return he, ok
}

func errInsufficientStock() error {
	return wrapHTTPError(http.StatusConflict, msgLimitedAvailability, ErrInsufficientStock)
}

func errUnauthorized() error {
	return wrapHTTPError(http.StatusUnauthorized, "unauthorized", ErrUnauthorized)
}

func errForbidden() error {
	return wrapHTTPError(http.StatusForbidden, "forbidden", ErrUnauthorized)
}

// 他人の注文は「存在しない扱い」にする
func errNotOwner() error {
	return wrapHTTPError(http.StatusNotFound, "not found", ErrUnauthorized)
}

func errGatewayUnavailable(err error) error {
	return wrapHTTPError(http.StatusServiceUnavailable, "payment gateway unavailable", errors.Join(ErrGatewayUnavailable, err))
}

// 利用者には詳細を出さない
func errInvalidTransition(err error) error {
	return wrapHTTPError(http.StatusConflict, "order cannot change to that state", err)
}

func errDB(err error) error {
	return wrapHTTPError(http.StatusInternalServerError, "db error", err)
}

func errNotFound() error {
	return NewHTTPError(http.StatusNotFound, "not found")
}
