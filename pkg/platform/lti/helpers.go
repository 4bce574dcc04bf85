package lti

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// b64url encodes bytes using base64url without padding.
func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// randHex returns n random bytes hex-encoded (len=2n).
func randHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// formOrJSON reads a flat string map from either a JSON body or a form body.
func formOrJSON(r *http.Request) (map[string]string, error) {
	out := map[string]string{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var raw map[string]any
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&raw); err != nil {
			return nil, err
		}
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = strings.TrimSpace(s)
			}
		}
		return out, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	for k := range r.PostForm {
		out[k] = strings.TrimSpace(r.PostForm.Get(k))
	}
	return out, nil
}

type errorBody struct {
	Error            string `json:"error"`
	Code             string `json:"code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the stable error envelope for err.
func WriteError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	body := errorBody{Code: string(KindOf(err))}
	switch status {
	case http.StatusUnauthorized:
		body.Error = "unauthorized"
	case http.StatusBadRequest:
		body.Error = "invalid_request"
		body.ErrorDescription = err.Error()
	case http.StatusForbidden:
		body.Error = "insufficient_scope"
	case http.StatusNotFound:
		body.Error = "not_found"
	case http.StatusUnprocessableEntity:
		body.Error = "invalid_score"
		body.ErrorDescription = err.Error()
	default:
		body.Error = "server_error"
		body.Code = ""
	}
	WriteJSON(w, status, body)
}
