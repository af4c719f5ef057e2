package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cppla/visitcounter/cache"
	"github.com/cppla/visitcounter/config"
	"github.com/cppla/visitcounter/controllers"
	"github.com/cppla/visitcounter/middleware"
	"github.com/cppla/visitcounter/models"
	"github.com/cppla/visitcounter/repository"
	"github.com/cppla/visitcounter/services"
	"github.com/cppla/visitcounter/utils"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testApp struct {
	router   *gin.Engine
	counters repository.CounterStore
	logs     repository.LogStore
	token    string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, config.Migrate(db, &models.Counter{}, &models.LogEntry{}, &models.User{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	log := zap.NewNop()
	store := cache.New(rc, log)
	counterStore := repository.NewCounterStore(db)
	logStore := repository.NewLogStore(db)
	userStore := repository.NewUserStore(db)

	hash, err := utils.HashPassword("s3cret")
	require.NoError(t, err)
	require.NoError(t, userStore.Create(ctx, &models.User{Username: "admin", PasswordHash: hash, Status: models.StatusActive}))

	logSvc := services.NewLogService(store, logStore, time.Minute, log)
	counterSvc := services.NewCounterService(store, counterStore, logSvc, 0, log)
	scheduler := services.NewScheduler(counterSvc, logSvc, services.SyncOptions{
		Interval:   time.Hour,
		BatchSize:  10,
		BatchPause: time.Millisecond,
	}, log)

	tokens := utils.NewTokenManager("test-secret", time.Hour)
	blacklist := utils.NewTokenBlacklist(rc, log)

	cfg := config.AppConfig{App: config.AppSection{GinMode: "test"}}
	router := SetupRouter(Deps{
		Config:    cfg,
		Counters:  controllers.NewCounterController(counterSvc, scheduler, log),
		Logs:      controllers.NewLogController(logSvc, scheduler, utils.NewIPLocator("", "", time.Second, time.Minute, log), log),
		Dashboard: controllers.NewDashboardController(counterSvc, logSvc, userStore, log),
		Auth:      controllers.NewAuthController(userStore, tokens, blacklist, log),
		Users:     controllers.NewUserController(userStore, log),
		Tokens:    tokens,
		Blacklist: blacklist,
		RateLimit: middleware.NewIPRateLimiter(1000),
	})

	return &testApp{router: router, counters: counterStore, logs: logStore}
}

func (a *testApp) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "198.51.100.7:40000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func (a *testApp) login(t *testing.T) {
	t.Helper()
	a.loginAs(t, "admin", "s3cret")
}

func (a *testApp) loginAs(t *testing.T, username, password string) {
	t.Helper()
	a.token = ""
	w, env := a.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": username, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.Token)
	a.token = data.Token
}

func TestHealthAndNoRoute(t *testing.T) {
	app := newTestApp(t)

	w, env := app.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.Code)

	w, env = app.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, env.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	app := newTestApp(t)

	w, _ := app.do(t, http.MethodGet, "/api/v1/admin/counters", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, env := app.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 40106, env.Code)
}

func TestVisitFlowThroughFlush(t *testing.T) {
	app := newTestApp(t)
	app.login(t)
	ctx := context.Background()

	w, env := app.do(t, http.MethodPost, "/api/v1/admin/counters", map[string]any{
		"target":      "blog.example",
		"description": "<b>my blog</b>",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.Counter
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "my blog", created.Description)
	assert.Equal(t, models.StatusActive, created.Status)

	w, env = app.do(t, http.MethodPost, "/api/v1/admin/counters", map[string]any{"target": "blog.example"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 40901, env.Code)

	for i := 1; i <= 3; i++ {
		w, env = app.do(t, http.MethodGet, "/api/v1/counter/increment?target=blog.example", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var data struct {
			Count int64 `json:"count"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, int64(i), data.Count)
	}

	w, env = app.do(t, http.MethodGet, "/api/v1/counter/increment?target=unknown.example", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40401, env.Code)

	w, env = app.do(t, http.MethodGet, "/api/v1/counter/increment", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40010, env.Code)

	// Nothing reached the database yet.
	_, err := app.counters.FindByTarget(ctx, "blog.example")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	w, _ = app.do(t, http.MethodPost, "/api/v1/admin/counters/flush", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	row, err := app.counters.FindByTarget(ctx, "blog.example")
	require.NoError(t, err)
	assert.Equal(t, int64(3), row.Count)

	w, _ = app.do(t, http.MethodPost, "/api/v1/admin/logs/flush", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rows, err := app.logs.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "198.51.100.7", rows[0].IPAddress)

	w, env = app.do(t, http.MethodGet, "/api/v1/admin/dashboard/summary", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary struct {
		TotalVisits int64 `json:"total_visits"`
		TotalSites  int   `json:"total_sites"`
		TodayVisits int64 `json:"today_visits"`
		TotalUsers  int64 `json:"total_users"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, int64(3), summary.TotalVisits)
	assert.Equal(t, 1, summary.TotalSites)
	assert.Equal(t, int64(3), summary.TodayVisits)
	assert.Equal(t, int64(1), summary.TotalUsers)

	w, env = app.do(t, http.MethodGet, fmt.Sprintf("/api/v1/admin/logs/%d", rows[0].ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var entry models.LogEntry
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	assert.Equal(t, rows[0].ID, entry.ID)
	assert.Equal(t, "198.51.100.7", entry.IPAddress)
}

func TestCounterAdministration(t *testing.T) {
	app := newTestApp(t)
	app.login(t)

	w, env := app.do(t, http.MethodPost, "/api/v1/admin/counters", map[string]any{"target": "docs.example", "count": 10})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.Counter
	require.NoError(t, json.Unmarshal(env.Data, &created))

	w, _ = app.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/counters/%d/status", created.ID), map[string]any{"status": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env = app.do(t, http.MethodGet, "/api/v1/counter/increment?target=docs.example", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = app.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/counters/%d", created.ID), map[string]any{"count": 42, "status": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated models.Counter
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, int64(42), updated.Count)

	w, env = app.do(t, http.MethodGet, "/api/v1/admin/counters/target/docs.example", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Counter
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, int64(42), got.Count)
	assert.True(t, got.Active())

	w, _ = app.do(t, http.MethodPut, "/api/v1/admin/counters/abc", map[string]any{"count": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = app.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/admin/counters/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env = app.do(t, http.MethodGet, "/api/v1/admin/counters/target/docs.example", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40401, env.Code)
}

func TestLogoutRevokesToken(t *testing.T) {
	app := newTestApp(t)
	app.login(t)

	w, _ := app.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = app.do(t, http.MethodPost, "/api/v1/auth/logout", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = app.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserAdministration(t *testing.T) {
	app := newTestApp(t)
	app.login(t)

	w, env := app.do(t, http.MethodPost, "/api/v1/admin/users", map[string]any{"username": "editor", "password": "pw-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var editor models.User
	require.NoError(t, json.Unmarshal(env.Data, &editor))
	assert.Equal(t, models.StatusActive, editor.Status)
	assert.NotContains(t, string(env.Data), "password")

	w, env = app.do(t, http.MethodPost, "/api/v1/admin/users", map[string]any{"username": "editor", "password": "other"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 40902, env.Code)

	w, _ = app.do(t, http.MethodPost, "/api/v1/admin/users", map[string]any{"username": "viewer", "password": "pw-2", "status": 0})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, env = app.do(t, http.MethodGet, "/api/v1/admin/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all []models.User
	require.NoError(t, json.Unmarshal(env.Data, &all))
	assert.Len(t, all, 3)

	w, env = app.do(t, http.MethodGet, "/api/v1/admin/users/page?username=er&status=0", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page struct {
		List  []models.User `json:"list"`
		Total int64         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.List, 1)
	assert.Equal(t, "viewer", page.List[0].Username)

	w, env = app.do(t, http.MethodGet, "/api/v1/admin/users/page?status=7", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40011, env.Code)

	// a disabled account cannot log in
	w, env = app.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "viewer", "password": "pw-2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 40307, env.Code)

	w, _ = app.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/users/%d", editor.ID), map[string]any{"password": "pw-new"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = app.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/users/%d/status", editor.ID), map[string]any{"status": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, env = app.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "editor", "password": "pw-new"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 40307, env.Code)

	w, _ = app.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/users/%d/status", editor.ID), map[string]any{"status": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, env = app.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "editor", "password": "pw-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "the old password was replaced")
	assert.Equal(t, 40106, env.Code)

	w, _ = app.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/admin/users/%d", editor.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, env = app.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/admin/users/%d", editor.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40402, env.Code)

	w, _ = app.do(t, http.MethodPut, "/api/v1/admin/users/0", map[string]any{"status": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = app.do(t, http.MethodGet, "/api/v1/admin/dashboard/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary struct {
		TotalUsers int64 `json:"total_users"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, int64(2), summary.TotalUsers)
}

func TestUserCannotDisableOrDeleteSelf(t *testing.T) {
	app := newTestApp(t)
	app.login(t)

	w, env := app.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me models.User
	require.NoError(t, json.Unmarshal(env.Data, &me))

	w, env = app.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/users/%d/status", me.ID), map[string]any{"status": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40014, env.Code)

	w, env = app.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/admin/users/%d", me.ID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40013, env.Code)

	// renaming to a taken name conflicts, keeping the own name does not
	w, _ = app.do(t, http.MethodPost, "/api/v1/admin/users", map[string]any{"username": "ops", "password": "pw"})
	require.Equal(t, http.StatusCreated, w.Code)
	w, env = app.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/users/%d", me.ID), map[string]any{"username": "ops"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 40902, env.Code)
	w, _ = app.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/users/%d", me.ID), map[string]any{"username": "admin"})
	assert.Equal(t, http.StatusOK, w.Code)

	app.loginAs(t, "ops", "pw")
}

func TestCounterRoutesAcceptTemporaryIDs(t *testing.T) {
	app := newTestApp(t)
	app.login(t)

	w, env := app.do(t, http.MethodPost, "/api/v1/admin/counters", map[string]any{"target": "new.example"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.Counter
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.Less(t, created.ID, int64(0))

	w, env = app.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/counters/%d", created.ID), map[string]any{"count": 7})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated models.Counter
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, int64(7), updated.Count)
}
