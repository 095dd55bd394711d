package services

import (
	"encoding/base64"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/tierrewards/ledger/internal/models"
)

const qrSize = 256

// paymentSchemes are the wallet URI schemes understood by mobile wallets.
var paymentSchemes = map[models.Network]string{
	models.NetworkBTC:  "bitcoin",
	models.NetworkETH:  "ethereum",
	models.NetworkTRON: "tron",
	models.NetworkUSDT: "ethereum",
	models.NetworkBNB:  "bnb",
	models.NetworkSOL:  "solana",
}

// PaymentURI builds the wallet URI a QR code encodes for a deposit.
func PaymentURI(n models.Network, address string, amount decimal.NullDecimal) string {
	scheme, ok := paymentSchemes[n]
	if !ok {
		return address
	}
	uri := fmt.Sprintf("%s:%s", scheme, address)
	if amount.Valid && amount.Decimal.IsPositive() {
		uri += "?amount=" + amount.Decimal.String()
	}
	return uri
}

// PaymentQR renders the deposit URI of a topup as a base64 PNG.
func PaymentQR(n models.Network, address string, amount decimal.NullDecimal) (string, error) {
	png, err := qrcode.Encode(PaymentURI(n, address, amount), qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
