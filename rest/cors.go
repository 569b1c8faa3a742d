package rest

import "net/http"

// corsDecorator stamps the permissive CORS header every JSON response
// carries.  The operator UI may be served from another origin during
// development.
func corsDecorator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		response.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(response, request)
	})
}

// preflight answers OPTIONS for any API path.
func preflight(response http.ResponseWriter, request *http.Request) {
	header := response.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type")
	header.Set("Access-Control-Max-Age", "86400")
	response.WriteHeader(http.StatusNoContent)
}
