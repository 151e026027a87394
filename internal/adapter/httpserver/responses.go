// Package httpserver is the HTTP adapter over the job lifecycle engine.
//
// It exposes submission, status, and cancellation endpoints for service
// callers plus an operator surface over dead-letter queues and audit
// chains. Handlers stay thin: they parse, authenticate, and delegate to
// the usecase services.
package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
	"github.com/fairyhunter13/cam-job-engine/internal/usecase"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// apiMessage carries the error text in English and Bahasa Indonesia.
type apiMessage struct {
	EN string `json:"en"`
	ID string `json:"id"`
}

type apiError struct {
	Code      string     `json:"code"`
	Message   apiMessage `json:"message"`
	Details   any        `json:"details,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

// statusForCode maps the stable machine codes onto HTTP statuses.
var statusForCode = map[string]int{
	domain.CodeValidation:      http.StatusBadRequest,
	domain.CodeUnauthorized:    http.StatusUnauthorized,
	domain.CodeForbidden:       http.StatusForbidden,
	domain.CodeNotFound:        http.StatusNotFound,
	domain.CodeConflict:        http.StatusConflict,
	domain.CodeIdemConflict:    http.StatusConflict,
	domain.CodePayloadTooLarge: http.StatusRequestEntityTooLarge,
	domain.CodeRateLimited:     http.StatusTooManyRequests,
	domain.CodeTransient:       http.StatusServiceUnavailable,
	domain.CodeDeterministic:   http.StatusUnprocessableEntity,
	domain.CodeCancelled:       http.StatusConflict,
	domain.CodeTimeout:         http.StatusGatewayTimeout,
	domain.CodeFatal:           http.StatusInternalServerError,
}

// messageID translates each machine code for API consumers in Bahasa
// Indonesia; the English text carries the specific error.
var messageID = map[string]string{
	domain.CodeValidation:      "permintaan tidak valid",
	domain.CodeUnauthorized:    "autentikasi diperlukan",
	domain.CodeForbidden:       "akses ditolak",
	domain.CodeNotFound:        "data tidak ditemukan",
	domain.CodeConflict:        "terjadi konflik status",
	domain.CodeIdemConflict:    "kunci idempotensi sudah dipakai dengan isi berbeda",
	domain.CodePayloadTooLarge: "ukuran payload melebihi batas",
	domain.CodeRateLimited:     "terlalu banyak permintaan",
	domain.CodeTransient:       "layanan sementara tidak tersedia",
	domain.CodeDeterministic:   "parameter tidak memenuhi kontrak kind",
	domain.CodeCancelled:       "pekerjaan sudah dibatalkan",
	domain.CodeTimeout:         "waktu pemrosesan habis",
	domain.CodeFatal:           "kesalahan internal",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the sentinel chain as the API error envelope. Rate
// limit rejections additionally carry a Retry-After header when the gate
// reported a wait.
func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	code := domain.CodeForError(err)
	status, ok := statusForCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	var rl *usecase.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}
	localized := messageID[code]
	if localized == "" {
		localized = messageID[domain.CodeFatal]
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:      code,
		Message:   apiMessage{EN: err.Error(), ID: localized},
		Details:   details,
		RequestID: r.Header.Get("X-Request-Id"),
	}})
}
