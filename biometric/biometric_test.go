package biometric

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ballot-ledger/models"

	"github.com/stretchr/testify/require"
)

func faceService(t *testing.T, handler func(path string, body map[string]string) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		status, resp := handler(r.URL.Path, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientEnrollAndVerify(t *testing.T) {
	srv := faceService(t, func(path string, body map[string]string) (int, string) {
		switch path {
		case registerPath:
			require.NotEmpty(t, body["image"])
			return http.StatusOK, `{"success":true,"faceEncoding":[0.1,0.2,0.3]}`
		case verifyPath:
			if body["storedEncoding"] == "[0.1,0.2,0.3]" {
				return http.StatusOK, `{"success":true}`
			}
			return http.StatusOK, `{"success":false}`
		}
		return http.StatusNotFound, `{}`
	})
	c := NewClient(srv.URL+"/", 0)
	ctx := context.Background()

	tmpl, err := c.Enroll(ctx, []byte("photo"))
	require.NoError(t, err)
	require.Equal(t, "[0.1,0.2,0.3]", tmpl)

	ok, err := c.Verify(ctx, []byte("photo"), tmpl)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Verify(ctx, []byte("photo"), "[9]")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClientEnrollNoFace(t *testing.T) {
	srv := faceService(t, func(string, map[string]string) (int, string) {
		return http.StatusBadRequest, `{"success":false,"message":"No face detected"}`
	})
	_, err := NewClient(srv.URL, 0).Enroll(context.Background(), []byte("photo"))
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "No face detected", verr.Message)
}

func TestClientUnavailable(t *testing.T) {
	srv := faceService(t, func(string, map[string]string) (int, string) {
		return http.StatusInternalServerError, `{"error":"boom"}`
	})
	_, err := NewClient(srv.URL, 0).Verify(context.Background(), []byte("photo"), "x")
	require.ErrorIs(t, err, models.ErrBiometricUnavailable)

	_, err = NewClient("http://127.0.0.1:1", 0).Enroll(context.Background(), []byte("photo"))
	require.ErrorIs(t, err, models.ErrBiometricUnavailable)
}

func TestMockVerifier(t *testing.T) {
	ctx := context.Background()
	m := NewMockVerifier()

	tmpl, err := m.Enroll(ctx, []byte("face-a"))
	require.NoError(t, err)
	ok, err := m.Verify(ctx, []byte("face-a"), tmpl)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Verify(ctx, []byte("face-b"), tmpl)
	require.NoError(t, err)
	require.False(t, ok)

	m.Reject([]byte("blurry"))
	_, err = m.Enroll(ctx, []byte("blurry"))
	require.ErrorIs(t, err, models.ErrValidation)

	m.SetUnavailable(true)
	_, err = m.Verify(ctx, []byte("face-a"), tmpl)
	require.ErrorIs(t, err, models.ErrBiometricUnavailable)
}
