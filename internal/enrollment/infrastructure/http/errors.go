package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
)

const (
	codeInvalidRequest     = "invalid_request"
	codeMissingStudent     = "missing_student_id"
	codeAlreadyEnrolled    = "already_enrolled"
	codeCouponInvalid      = "coupon_invalid"
	codeCourseNotFound     = "course_not_found"
	codeEnrollmentNotFound = "enrollment_not_found"
	codePaymentProvider    = "payment_provider_error"
	codeInvalidSignature   = "invalid_signature"
	codeMalformedEvent     = "malformed_event"
	codeProcessingFailed   = "processing_failed"
	codeNotFound           = "not_found"
	codeMethodNotAllowed   = "method_not_allowed"
	codeUnavailable        = "unavailable"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeErrorResponse(w, status, errorResponse{Error: msg, Code: code})
}

func writeErrorResponse(w http.ResponseWriter, status int, body errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(body)
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps service errors to a status and error code and
// returns the code.
func writeDomainError(w http.ResponseWriter, err error) string {
	var cerr *domain.CouponError
	switch {
	case errors.As(err, &cerr):
		writeErrorResponse(w, http.StatusUnprocessableEntity, errorResponse{
			Error:  cerr.Reason.Message(),
			Code:   codeCouponInvalid,
			Reason: string(cerr.Reason),
		})
		return codeCouponInvalid
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return codeInvalidRequest
	case errors.Is(err, domain.ErrAlreadyEnrolled):
		writeError(w, http.StatusConflict, codeAlreadyEnrolled, "student is already enrolled in this course")
		return codeAlreadyEnrolled
	case errors.Is(err, domain.ErrCourseNotFound):
		writeError(w, http.StatusNotFound, codeCourseNotFound, "course not found")
		return codeCourseNotFound
	case errors.Is(err, domain.ErrEnrollmentNotFound):
		writeError(w, http.StatusNotFound, codeEnrollmentNotFound, "enrollment not found")
		return codeEnrollmentNotFound
	case errors.Is(err, domain.ErrPaymentProvider):
		writeError(w, http.StatusBadGateway, codePaymentProvider, "payment provider unavailable, try again")
		return codePaymentProvider
	default:
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return codeInternalError
	}
}
