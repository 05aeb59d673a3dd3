package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"helicare/internal/metrics"
	"helicare/internal/model"
	"helicare/internal/session"
)

// newTestClient returns a client for srv and a counter of notified errors.
func newTestClient(t *testing.T, srv *httptest.Server, opts Options) (*Client, *atomic.Int32) {
	t.Helper()
	n := &atomic.Int32{}
	opts.BaseURL = srv.URL + "/api"
	opts.Notifier = NotifierFunc(func(*APIError) { n.Add(1) })
	if opts.Sessions == nil {
		opts.Sessions = session.NewStore("")
	}
	return New(opts), n
}

func signIn(t *testing.T, store *session.Store) {
	t.Helper()
	require.NoError(t, store.Save(session.Session{
		AccessToken: "token-123",
		Profile:     session.Profile{UserID: "u1", Role: session.RoleStaff},
	}))
}

func TestListSchedules_SendsAuthAndDecodesEnvelope(t *testing.T) {
	var gotAuth, gotReqID, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/schedules", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"message":"ok","data":{"items":[
			{"schedule_id":"s1","title":"Walk","start_time":"2024-01-01T08:00:00Z","end_time":"2024-01-01T09:00:00Z","is_recurring":true,"frequency":"daily","recurring_until":"2024-01-07T08:00:00Z"}
		],"total":1}}`)
	}))
	defer srv.Close()

	store := session.NewStore("")
	signIn(t, store)
	c, n := newTestClient(t, srv, Options{Sessions: store})

	items, err := c.ListSchedules(context.Background(), ScheduleFilter{
		ResidentID: "r1",
		From:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "s1", items[0].ScheduleID)
	require.Equal(t, model.FrequencyDaily, items[0].Frequency)
	require.True(t, items[0].RecurringUntil.Valid())

	require.Equal(t, "Bearer token-123", gotAuth)
	require.NotEmpty(t, gotReqID)
	require.Equal(t, "from=2024-01-01&resident_id=r1", gotQuery)
	require.Zero(t, n.Load())
}

func TestListCareLogs_BareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "meal", r.URL.Query().Get("type"))
		_, _ = io.WriteString(w, `{"message":"ok","data":[{"care_log_id":"c1","notes":"ăn hết","quantity":1}]}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, Options{})
	logs, err := c.ListCareLogs(context.Background(), CareLogFilter{Type: "meal"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, model.FlexString("1"), logs[0].Quantity)
}

func TestValidationErrorIsNotNotified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"message":"Validation error","errors":{"email":{"msg":"Email already exists","path":"email"},"password":["too short"]}}`)
	}))
	defer srv.Close()

	store := session.NewStore("")
	signIn(t, store)
	c, n := newTestClient(t, srv, Options{Sessions: store})

	_, err := c.Login(context.Background(), "a@b.c", "x")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, http.StatusUnprocessableEntity, verr.Status)
	require.Equal(t, "Validation error", verr.Message)
	require.Equal(t, map[string]string{
		"email":    "Email already exists",
		"password": "too short",
	}, verr.Fields)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Zero(t, n.Load())
	require.NotEmpty(t, store.Token(time.Now()))
}

func TestUnauthorizedClearsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"Token expired"}`)
	}))
	defer srv.Close()

	store := session.NewStore("")
	signIn(t, store)
	c, n := newTestClient(t, srv, Options{Sessions: store})

	_, err := c.ListResidents(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.True(t, apiErr.Unauthorized())
	require.Equal(t, "Token expired", apiErr.Message)
	require.Equal(t, int32(1), n.Load())

	_, ok := store.Current()
	require.False(t, ok)

	_, err = c.Me(context.Background())
	require.ErrorIs(t, err, ErrNotSignedIn)
}

func TestServerErrorIsNotified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"message":"boom"}`)
	}))
	defer srv.Close()

	c, n := newTestClient(t, srv, Options{})
	_, err := c.ListResidents(context.Background())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	require.Contains(t, apiErr.Error(), "boom")
	require.Equal(t, int32(1), n.Load())
}

func TestConditionalCacheAndFallback(t *testing.T) {
	var (
		mode  atomic.Value
		calls atomic.Int32
	)
	mode.Store("fresh")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch mode.Load().(string) {
		case "fresh":
			w.Header().Set("ETag", `"v1"`)
			_, _ = io.WriteString(w, `{"message":"ok","data":[{"resident_id":"r1","full_name":"Nguyễn Văn A"}]}`)
		case "conditional":
			require.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
			w.WriteHeader(http.StatusNotModified)
		case "down":
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c, n := newTestClient(t, srv, Options{Cache: NewResponseCache(t.TempDir())})
	ctx := context.Background()

	res, err := c.ListResidents(ctx)
	require.NoError(t, err)
	require.Equal(t, "Nguyễn Văn A", res[0].FullName)

	mode.Store("conditional")
	res, err = c.ListResidents(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)

	mode.Store("down")
	res, err = c.ListResidents(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)

	require.Equal(t, int32(3), calls.Load())
	require.Zero(t, n.Load())
}

func TestNetworkFailureFallsBackToCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":"ok","data":[{"resident_id":"r1"}]}`)
	}))

	cache := NewResponseCache(t.TempDir())
	c, n := newTestClient(t, srv, Options{Cache: cache})
	_, err := c.ListResidents(context.Background())
	require.NoError(t, err)
	srv.Close()

	res, err := c.ListResidents(context.Background())
	require.NoError(t, err)
	require.Equal(t, "r1", res[0].ResidentID)

	// Without a cached body the failure surfaces and is notified.
	_, err = c.ListSchedules(context.Background(), ScheduleFilter{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Zero(t, apiErr.Status)
	require.Equal(t, int32(1), n.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, Options{Breaker: BreakerSettings{ConsecutiveFailures: 2, Timeout: time.Hour}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.ListResidents(ctx)
		require.Error(t, err)
	}
	_, err := c.ListResidents(ctx)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, int32(2), calls.Load())
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, Options{Breaker: BreakerSettings{ConsecutiveFailures: 1}})
	for i := 0; i < 3; i++ {
		_, err := c.ListResidents(context.Background())
		require.Error(t, err)
	}
	require.Equal(t, int32(3), calls.Load())
}

func TestLoginStoresSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/login", r.URL.Path)
		require.Empty(t, r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"email":"staff@helicare.vn"`)
		_, _ = io.WriteString(w, `{"message":"Login success","data":{"accessToken":"abc","user":{"user_id":"u9","email":"staff@helicare.vn","role":"Staff"}}}`)
	}))
	defer srv.Close()

	store := session.NewStore("")
	c, _ := newTestClient(t, srv, Options{Sessions: store})

	sess, err := c.Login(context.Background(), "staff@helicare.vn", "secret")
	require.NoError(t, err)
	require.Equal(t, "abc", sess.AccessToken)
	require.Equal(t, session.RoleStaff, sess.Profile.Role)
	require.Equal(t, "abc", store.Token(time.Now()))
}

func TestLogoutAlwaysClears(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/logout", r.URL.Path)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := session.NewStore("")
	signIn(t, store)
	c, _ := newTestClient(t, srv, Options{Sessions: store})

	require.NoError(t, c.Logout(context.Background()))
	_, ok := store.Current()
	require.False(t, ok)
}

func TestUploadFileUsesMultipartContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		require.True(t, strings.HasPrefix(ct, "multipart/form-data; boundary="), ct)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "r1", r.FormValue("resident_id"))
		f, hdr, err := r.FormFile("avatar")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		require.Equal(t, "photo.jpg", hdr.Filename)
		require.Equal(t, "jpegbytes", string(data))
		_, _ = io.WriteString(w, `{"message":"uploaded","data":{"url":"https://cdn/photo.jpg"}}`)
	}))
	defer srv.Close()

	m := metrics.New()
	c, _ := newTestClient(t, srv, Options{Metrics: m})
	res, err := c.UploadFile(context.Background(), "/residents/r1/avatar", Upload{
		Field:    "avatar",
		Filename: "photo.jpg",
		Content:  strings.NewReader("jpegbytes"),
		Fields:   map[string]string{"resident_id": "r1"},
	})
	require.NoError(t, err)
	require.Equal(t, "https://cdn/photo.jpg", res.URL)

	// Upload paths carry ids; the metric uses the route label instead.
	require.Equal(t, 1.0, testutil.ToFloat64(m.BackendRequests.WithLabelValues("POST", "upload", "200")))
	require.Equal(t, 1, testutil.CollectAndCount(m.BackendRequests))
}

func TestListOfFallbackPicksFirstKeyInOrder(t *testing.T) {
	for range 20 {
		var l listOf[model.Resident]
		require.NoError(t, json.Unmarshal([]byte(`{"zeta":[{"resident_id":"z"}],"alpha":[{"resident_id":"a"}],"total":2}`), &l))
		require.Len(t, l.Items, 1)
		require.Equal(t, "a", l.Items[0].ResidentID)
	}
}

func TestGetWeeklyMenuDefaultsWeekStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "2024-01-01", r.URL.Query().Get("week_start"))
		_, _ = io.WriteString(w, `{"message":"ok","data":{"items":[{"day_of_week":"Wednesday","meal_slot":"Breakfast","dish_name":"Cháo"}]}}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, Options{})
	weekStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	menu, err := c.GetWeeklyMenu(context.Background(), weekStart)
	require.NoError(t, err)
	require.Len(t, menu.Items, 1)
	require.True(t, menu.WeekStart.Valid())
	require.True(t, weekStart.Equal(menu.WeekStart.Time()))
}
