package futures_usdt

import (
	"io"
	"net/http"

	"execution-core/pkg/exchanges/common"
)

// statusTransport turns throttling and gateway responses into classified
// errors before go-binance tries to decode them. Those responses often carry
// an HTML body without a Binance error code.
type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch res.StatusCode {
	case http.StatusTooManyRequests, http.StatusTeapot, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, common.NewError(common.KindFromHTTPStatus(res.StatusCode), exchangeName, req.URL.Path,
			res.StatusCode, res.Status)
	}
	return res, nil
}
