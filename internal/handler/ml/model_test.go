package ml

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartfarmdiy/strawbydetet/internal/auth"
	"github.com/smartfarmdiy/strawbydetet/internal/domain"
)

func newTestAdapter(t *testing.T, h http.Handler, tokens auth.TokenSource) *ModelAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	m, err := NewModelAdapter(srv.URL, srv.Client(), tokens, DefaultTimeouts(), zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestNewModelAdapterRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "localhost:5000", "://x"} {
		_, err := NewModelAdapter(u, nil, nil, DefaultTimeouts(), zerolog.Nop())
		assert.Error(t, err, u)
	}
}

func TestUploadImage(t *testing.T) {
	var gotAuth, gotName, gotType string
	var gotBody []byte
	m := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload_image", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		gotName = header.Filename
		gotType = header.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(file)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"image_url":   "/static/annotated_berry.jpg",
			"percentages": map[string]float64{"Ripe": 75, "Gray Mold": 25},
		})
	}), auth.StaticToken("secret"))

	res, err := m.UploadImage(context.Background(), domain.FileFromBytes("berry.jpg", "image/jpeg", []byte("jpegdata")))
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "berry.jpg", gotName)
	assert.Equal(t, "image/jpeg", gotType)
	assert.Equal(t, "jpegdata", string(gotBody))

	assert.Equal(t, m.baseURL.String()+"/static/annotated_berry.jpg", res.ImageURL)
	assert.Len(t, res.Percentages, len(domain.Labels))
	assert.Equal(t, 75.0, res.Percentages["Ripe"])
	assert.Equal(t, 0.0, res.Percentages["Rotten"])
}

func TestUploadVideoKeepsFileName(t *testing.T) {
	tests := []string{"field.mp4", "поле 2.mp4", `clip "final".mp4`}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			var gotName, gotType string
			m := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				file, header, err := r.FormFile("video")
				require.NoError(t, err)
				file.Close()
				gotName = header.Filename
				gotType = header.Header.Get("Content-Type")
				_, _ = w.Write([]byte(`{"success":"Video uploaded"}`))
			}), nil)

			err := m.UploadVideo(context.Background(), domain.FileFromBytes(name, "video/mp4", []byte("mp4")))
			require.NoError(t, err)
			assert.Equal(t, name, gotName)
			assert.Equal(t, "video/mp4", gotType)
		})
	}
}

func TestUploadImageErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized wins over body",
			status: http.StatusUnauthorized,
			body:   `{"image_url":"/x.jpg","percentages":{}}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrUnauthorized)
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			body:   `not json`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrUnauthorized)
			},
		},
		{
			name:   "error field in 200",
			status: http.StatusOK,
			body:   `{"error":"Unsupported image format"}`,
			check: func(t *testing.T, err error) {
				var se *ServiceError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, "Unsupported image format", se.Message)
			},
		},
		{
			name:   "html 500",
			status: http.StatusInternalServerError,
			body:   `<html>oops</html>`,
			check: func(t *testing.T, err error) {
				var se *ServiceError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
			},
		},
		{
			name:   "malformed json",
			status: http.StatusOK,
			body:   `{"image_url":`,
			check: func(t *testing.T, err error) {
				var se *ServiceError
				assert.False(t, errors.As(err, &se))
				assert.Contains(t, err.Error(), "decode response")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}), nil)

			_, err := m.UploadImage(context.Background(), domain.FileFromBytes("a.png", "image/png", []byte("x")))
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestUploadVideoWithoutToken(t *testing.T) {
	var sawAuth bool
	m := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		_, _, err := r.FormFile("video")
		require.NoError(t, err)
		_, _ = w.Write([]byte(`{"success":"Video uploaded, streaming started"}`))
	}), auth.None{})

	err := m.UploadVideo(context.Background(), domain.FileFromBytes("clip.mp4", "video/mp4", []byte("mp4")))
	require.NoError(t, err)
	assert.False(t, sawAuth)
}

func TestPollEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/detection_counts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Ripe": 10, "Unripe": 5}`))
	})
	mux.HandleFunc("/final_counts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"complete": true, "percentages": {"Rotten": 40}}`))
	})
	mux.HandleFunc("/stop_stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"success":"Stream stopped"}`))
	})
	m := newTestAdapter(t, mux, nil)
	ctx := context.Background()

	counts, err := m.DetectionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, counts["Ripe"])
	assert.Len(t, counts, len(domain.Labels))

	final, err := m.FinalCounts(ctx)
	require.NoError(t, err)
	assert.True(t, final.Complete)
	assert.Equal(t, 40.0, final.Percentages["Rotten"])

	assert.NoError(t, m.StopStream(ctx))
}

func TestPollEndpointUnauthorized(t *testing.T) {
	m := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}), nil)

	_, err := m.DetectionCounts(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = m.FinalCounts(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCameraEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/camera_feed", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		if payload["image"] == "" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"error":"No image data provided"}`))
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("annotated"))
	})
	mux.HandleFunc("/camera_counts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Ripe": 100}`))
	})
	mux.HandleFunc("/stop_camera", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":"Camera stopped"}`))
	})
	m := newTestAdapter(t, mux, nil)
	ctx := context.Background()

	jpeg, err := m.SendCameraFrame(ctx, "data:image/jpeg;base64,AAAA")
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(jpeg))

	_, err = m.SendCameraFrame(ctx, "")
	var se *ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "No image data provided", se.Message)

	counts, err := m.CameraCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, counts["Ripe"])

	assert.NoError(t, m.StopCamera(ctx))
}

func TestResolveAndStreamURL(t *testing.T) {
	m, err := NewModelAdapter("http://inference:5000", nil, nil, DefaultTimeouts(), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "http://inference:5000/video_feed", m.StreamURL())
	assert.Equal(t, "http://inference:5000/static/a.jpg", m.ResolveURL("/static/a.jpg"))
	assert.Equal(t, "https://cdn.example/a.jpg", m.ResolveURL("https://cdn.example/a.jpg"))
	assert.Equal(t, "", m.ResolveURL(""))
}

func TestCheckHealth(t *testing.T) {
	healthy := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), nil)
	assert.NoError(t, healthy.CheckHealth(context.Background()))

	broken := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), nil)
	assert.Error(t, broken.CheckHealth(context.Background()))
}
