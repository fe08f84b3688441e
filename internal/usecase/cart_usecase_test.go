package usecase_test

import (
	"context"
	"net/http"
	"testing"

	"bookstore/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 追加は既存数量に加算し、販売可能数で頭打ち
func TestCartUsecase_AddToCart_ClampsToAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.seedBook(t, "A", 1000, 5)
	//他人の注文で2冊確保済み → 残り3
	f.placeOrder(t, 2, line(book.ID, 2))

	out, err := f.cart.AddToCart(ctx, 1, usecase.AddCartInput{ProductID: book.ID, Quantity: 2})
	require.NoError(t, err)
	assert.False(t, out.Adjusted)
	assert.Empty(t, out.Notice)

	out, err = f.cart.AddToCart(ctx, 1, usecase.AddCartInput{ProductID: book.ID, Quantity: 4})
	require.NoError(t, err)
	assert.True(t, out.Adjusted)
	assert.Equal(t, "limited availability, quantity adjusted", out.Notice)
	require.Len(t, out.Items, 1)
	assert.Equal(t, int64(3), out.Items[0].Quantity)
	assert.Equal(t, int64(3), out.Items[0].Available)
	assert.Equal(t, int64(3000), out.Total)

	//カートは台帳を触らない
	assert.Equal(t, int64(2), f.product(t, book.ID).Reserved)
}

func TestCartUsecase_AddToCart_SoldOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.seedBook(t, "A", 1000, 1)
	f.placeOrder(t, 2, line(book.ID, 1))

	_, err := f.cart.AddToCart(ctx, 1, usecase.AddCartInput{ProductID: book.ID, Quantity: 1})
	assert.ErrorIs(t, err, usecase.ErrInsufficientStock)
	assert.Equal(t, http.StatusConflict, httpStatus(t, err))
}

func TestCartUsecase_AddToCart_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.seedBook(t, "A", 1000, 1)

	_, err := f.cart.AddToCart(ctx, 0, usecase.AddCartInput{ProductID: book.ID, Quantity: 1})
	assert.Equal(t, http.StatusUnauthorized, httpStatus(t, err))

	_, err = f.cart.AddToCart(ctx, 1, usecase.AddCartInput{ProductID: book.ID, Quantity: 0})
	assert.Equal(t, http.StatusBadRequest, httpStatus(t, err))

	_, err = f.cart.AddToCart(ctx, 1, usecase.AddCartInput{ProductID: 999, Quantity: 1})
	assert.Equal(t, http.StatusBadRequest, httpStatus(t, err))
}

func TestCartUsecase_UpdateAndDeleteItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.seedBook(t, "A", 1000, 4)

	out, err := f.cart.AddToCart(ctx, 1, usecase.AddCartInput{ProductID: book.ID, Quantity: 1})
	require.NoError(t, err)
	itemID := out.Items[0].ID

	out, err = f.cart.UpdateCartItem(ctx, 1, itemID, usecase.UpdateCartItemInput{Quantity: 10})
	require.NoError(t, err)
	assert.True(t, out.Adjusted)
	assert.Equal(t, int64(4), out.Items[0].Quantity)

	//他人の明細は見えない
	_, err = f.cart.UpdateCartItem(ctx, 2, itemID, usecase.UpdateCartItemInput{Quantity: 1})
	assert.Equal(t, http.StatusNotFound, httpStatus(t, err))
	_, err = f.cart.DeleteCartItem(ctx, 2, itemID)
	assert.Equal(t, http.StatusNotFound, httpStatus(t, err))

	out, err = f.cart.DeleteCartItem(ctx, 1, itemID)
	require.NoError(t, err)
	assert.Empty(t, out.Items)
}
