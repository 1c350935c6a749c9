package remita

import (
	"crypto/sha512"
	"encoding/hex"
	"strconv"
)

// InitiationHash authorizes a payment initiation request.
func InitiationHash(merchantID, serviceTypeID, orderID string, amount int64, apiKey string) string {
	return sha512Hex(merchantID + serviceTypeID + orderID + strconv.FormatInt(amount, 10) + apiKey)
}

// ReferenceHash authorizes status queries and the payment page for rrr.
func ReferenceHash(rrr, apiKey, merchantID string) string {
	return sha512Hex(rrr + apiKey + merchantID)
}

func sha512Hex(value string) string {
	sum := sha512.Sum512([]byte(value))
	return hex.EncodeToString(sum[:])
}
