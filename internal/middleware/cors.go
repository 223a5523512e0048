package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// DefaultOrigins allows UI shells served from the local machine.
var DefaultOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}

// CORS returns a configured CORS middleware. Empty origins take DefaultOrigins.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = DefaultOrigins
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
