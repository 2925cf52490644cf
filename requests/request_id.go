package requests

import (
	"net/http"

	"github.com/clipforge/clipforge-api/config"
)

// HeaderRequestID carries the correlation id between the api, the callback
// server and anything in front of them. Callers that send one keep it;
// requests without one get a random id minted on first read.
const HeaderRequestID = "X-Request-ID"

func GetRequestId(req *http.Request) string {
	requestID := req.Header.Get(HeaderRequestID)
	if requestID != "" {
		return requestID
	}
	requestID = config.RandomTrailer(8)
	req.Header.Set(HeaderRequestID, requestID)
	return requestID
}
