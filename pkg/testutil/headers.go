package testutil

import "net/http"

// Header names the cart API resolves owners from.
const (
	HeaderCartSession   = "X-Cart-Session"
	HeaderAuthorization = "Authorization"
)

// WithGuestSession addresses the request to the guest cart of token.
func WithGuestSession(req *http.Request, token string) *http.Request {
	req.Header.Set(HeaderCartSession, token)
	return req
}

// WithBearer addresses the request to the account cart of the token's subject.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set(HeaderAuthorization, "Bearer "+token)
	return req
}
