package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/smallbiznis/courier/internal/delivery"
)

func response(code int, body string) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(body))}
}

func TestCheckResponse(t *testing.T) {
	cases := []struct {
		code      int
		wantErr   bool
		permanent bool
	}{
		{code: 200},
		{code: 204},
		{code: 400, wantErr: true, permanent: true},
		{code: 404, wantErr: true, permanent: true},
		{code: 408, wantErr: true},
		{code: 429, wantErr: true},
		{code: 500, wantErr: true},
		{code: 503, wantErr: true},
	}
	for _, tc := range cases {
		err := CheckResponse(response(tc.code, "nope"))
		if (err != nil) != tc.wantErr {
			t.Fatalf("status %d: unexpected error %v", tc.code, err)
		}
		if err == nil {
			continue
		}
		if delivery.IsPermanent(err) != tc.permanent {
			t.Fatalf("status %d: permanent=%v, want %v", tc.code, delivery.IsPermanent(err), tc.permanent)
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.Code != tc.code {
			t.Fatalf("status %d: expected StatusError, got %v", tc.code, err)
		}
	}
}
