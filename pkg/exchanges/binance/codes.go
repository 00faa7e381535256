// Package binance holds pieces shared by the Binance spot and USDT-M
// connectors.
package binance

import (
	"strings"

	"execution-core/pkg/exchanges/common"
)

// Binance API error codes that matter for classification.
const (
	CodeDisconnected      = -1001
	CodeUnauthorized      = -1002
	CodeTooManyRequests   = -1003
	CodeUnexpectedResp    = -1006
	CodeTimeout           = -1007
	CodeServerBusy        = -1008
	CodeTooManyOrders     = -1015
	CodeTimestampWindow   = -1021
	CodeInvalidSignature  = -1022
	CodeBadSymbol         = -1121
	CodeNewOrderRejected  = -2010
	CodeNoSuchOrder       = -2013
	CodeBadAPIKeyFormat   = -2014
	CodeRejectedMBXKey    = -2015
	CodeMarginInsufficent = -2019
	CodeDuplicateOrder    = -4015
)

// Classify maps a Binance error code and message onto the shared taxonomy.
// Unknown codes fall back to the HTTP status.
func Classify(code int64, msg string, httpStatus int) common.ErrorKind {
	switch code {
	case CodeDisconnected, CodeUnexpectedResp, CodeTimeout:
		return common.KindNetwork
	case CodeTooManyRequests, CodeTooManyOrders, CodeServerBusy:
		return common.KindRateLimit
	case CodeTimestampWindow:
		return common.KindNonceWindow
	case CodeUnauthorized, CodeInvalidSignature, CodeBadAPIKeyFormat:
		return common.KindAuth
	case CodeRejectedMBXKey:
		return common.KindPermission
	case CodeBadSymbol:
		return common.KindInvalidSymbol
	case CodeMarginInsufficent:
		return common.KindInsufficientFunds
	case CodeDuplicateOrder:
		return common.KindDuplicateOrder
	case CodeNewOrderRejected:
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "insufficient"):
			return common.KindInsufficientFunds
		case strings.Contains(lower, "duplicate"):
			return common.KindDuplicateOrder
		}
		return common.KindRejected
	}
	if httpStatus > 0 {
		return common.KindFromHTTPStatus(httpStatus)
	}
	return common.KindUnknown
}
