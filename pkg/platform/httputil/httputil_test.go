package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dErrors "cartkeep/pkg/domain-errors"
)

func TestWriteError(t *testing.T) {
	t.Run("internal error omits description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeInternal, "db failed"))

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body["error"] != "internal_error" {
			t.Fatalf("expected error code internal_error, got %q", body["error"])
		}
		if _, ok := body["error_description"]; ok {
			t.Fatalf("expected error_description to be omitted for internal errors")
		}
	})

	t.Run("bad request includes description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid input"))

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body["error"] != "bad_request" {
			t.Fatalf("expected error code bad_request, got %q", body["error"])
		}
		if body["error_description"] != "invalid input" {
			t.Fatalf("expected error_description to be returned for bad request")
		}
	})
}

func TestWriteError_StatusMapping(t *testing.T) {
	cases := map[dErrors.Code]int{
		dErrors.CodeValidation:   http.StatusBadRequest,
		dErrors.CodeInvalidInput: http.StatusBadRequest,
		dErrors.CodeUnauthorized: http.StatusUnauthorized,
		dErrors.CodeConflict:     http.StatusConflict,
		dErrors.CodeUnavailable:  http.StatusServiceUnavailable,
	}
	for code, want := range cases {
		t.Run(string(code), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, dErrors.New(code, "msg"))
			if w.Code != want {
				t.Fatalf("expected status %d, got %d", want, w.Code)
			}
		})
	}

	t.Run("uncoded error is internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, errors.New("redis: connection refused"))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", w.Code)
		}
		if strings.Contains(w.Body.String(), "redis") {
			t.Fatalf("internal error leaked cause: %s", w.Body.String())
		}
	})
}

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/cart/lines", strings.NewReader(`{"product_ref":"P1","price":9}`))
	var body struct {
		ProductRef string `json:"product_ref"`
	}
	err := DecodeJSON(httptest.NewRecorder(), req, &body)
	if !dErrors.HasCode(err, dErrors.CodeBadRequest) {
		t.Fatalf("expected bad_request, got %v", err)
	}
}

func TestDecodeJSON_LimitsBodySize(t *testing.T) {
	padding := strings.Repeat("x", MaxBodyBytes)
	req := httptest.NewRequest(http.MethodPost, "/cart/lines", strings.NewReader(`{"product_ref":"`+padding+`"}`))
	var body struct {
		ProductRef string `json:"product_ref"`
	}
	err := DecodeJSON(httptest.NewRecorder(), req, &body)
	if !dErrors.HasCode(err, dErrors.CodeTooLarge) {
		t.Fatalf("expected request_too_large, got %v", err)
	}

	w := httptest.NewRecorder()
	WriteError(w, err)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}
