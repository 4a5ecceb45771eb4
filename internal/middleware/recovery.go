package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/rs/zerolog/log"
)

// Recovery middleware recovers from panics
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Msg("Panic recovered")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"Status":    "Failure",
					"ErrorCode": int(errcode.InternalError),
					"Message":   errcode.InternalError.String(),
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
