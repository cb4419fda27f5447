package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"timecapsule/backend/internal/auth"
	"timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/health"
	"timecapsule/backend/internal/monitoring"
	"timecapsule/backend/internal/service"
	"timecapsule/backend/internal/storage/memory"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router  *gin.Engine
	auth    *auth.Service
	metrics *monitoring.Metrics
	now     time.Time
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{now: time.Now().UTC()}
	clock := func() time.Time { return ts.now }

	store := memory.NewStore()
	store.SetClock(clock)

	manager := jwt.NewManager(strings.Repeat("s", 32), "timecapsule-test", time.Hour, 24*time.Hour)
	ts.auth = auth.NewService(store, manager, zap.NewNop())
	ts.metrics = monitoring.NewMetrics()

	capsules := service.NewCapsuleService(store, store, zap.NewNop())
	capsules.SetClock(clock)
	capsules.SetMetrics(ts.metrics)

	cfg := &config.Config{
		Server: config.ServerConfig{MaxBodyBytes: 1 << 20, RequestTimeout: 5 * time.Second},
		CORS:   config.CORSConfig{AllowedOrigins: []string{"*"}},
	}

	ts.router = NewRouter(RouterDependencies{
		Config:         cfg,
		AuthService:    ts.auth,
		CapsuleService: capsules,
		JWTManager:     manager,
		Metrics:        ts.metrics,
		Health:         health.NewHealthChecker(store, zap.NewNop()),
		Logger:         zap.NewNop(),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (ts *testServer) register(t *testing.T, username, email string) string {
	t.Helper()
	rec, env := ts.do(t, http.MethodPost, "/v1/auth/register", "", gin.H{
		"username": username,
		"email":    email,
		"password": "password123",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp authResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	return resp.AccessToken
}

func (ts *testServer) createCapsule(t *testing.T, token string, unlockIn time.Duration) string {
	t.Helper()
	rec, env := ts.do(t, http.MethodPost, "/v1/capsules", token, gin.H{
		"title":      "给未来的信",
		"content":    "hello from the past",
		"unlockDate": ts.now.Add(unlockIn).Format(time.RFC3339),
		"isPublic":   false,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var capsule struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &capsule))
	assert.Equal(t, "locked", capsule.Status)
	return capsule.ID
}

func TestRouter_Auth(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "alice", "alice@example.com")

	t.Run("重复注册返回409", func(t *testing.T) {
		rec, env := ts.do(t, http.MethodPost, "/v1/auth/register", "", gin.H{
			"username": "alice2", "email": "ALICE@example.com", "password": "password123",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, MsgEmailExists, env.Msg)
	})

	t.Run("缺少字段返回400", func(t *testing.T) {
		rec, _ := ts.do(t, http.MethodPost, "/v1/auth/register", "", gin.H{"email": "x@example.com"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("登录成功", func(t *testing.T) {
		rec, env := ts.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{
			"email": "alice@example.com", "password": "password123",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp authResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.Equal(t, "alice", resp.User.Username)
		assert.NotEmpty(t, resp.RefreshToken)
	})

	t.Run("密码错误与邮箱不存在返回相同信息", func(t *testing.T) {
		rec1, env1 := ts.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{
			"email": "alice@example.com", "password": "wrong-password",
		})
		rec2, env2 := ts.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{
			"email": "nobody@example.com", "password": "wrong-password",
		})
		assert.Equal(t, http.StatusUnauthorized, rec1.Code)
		assert.Equal(t, rec1.Code, rec2.Code)
		assert.Equal(t, env1.Msg, env2.Msg)
		assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.LoginFailures.WithLabelValues("invalid_credentials")))
	})

	t.Run("获取当前用户", func(t *testing.T) {
		rec, env := ts.do(t, http.MethodGet, "/v1/auth/me", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, string(env.Data), `"email":"alice@example.com"`)
		assert.NotContains(t, string(env.Data), "password")
	})
}

func TestRouter_RequiresToken(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/v1/capsules/my-capsules", "/v1/capsules/public", "/v1/capsules/abc", "/v1/auth/me"} {
		rec, env := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, http.StatusUnauthorized, env.Code, path)
	}
}

func TestRouter_CapsuleLifecycle(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "alice@example.com")
	bob := ts.register(t, "bob", "bob@example.com")
	carol := ts.register(t, "carol", "carol@example.com")

	id := ts.createCapsule(t, alice, time.Hour)

	t.Run("未到解锁时间返回423", func(t *testing.T) {
		rec, env := ts.do(t, http.MethodGet, "/v1/capsules/"+id, alice, nil)
		assert.Equal(t, http.StatusLocked, rec.Code)
		assert.Equal(t, MsgStillLocked, env.Msg)
	})

	t.Run("非成员返回403", func(t *testing.T) {
		rec, _ := ts.do(t, http.MethodGet, "/v1/capsules/"+id, carol, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("不存在返回404", func(t *testing.T) {
		rec, _ := ts.do(t, http.MethodGet, "/v1/capsules/missing", alice, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("未注册接收者返回422", func(t *testing.T) {
		rec, env := ts.do(t, http.MethodPost, "/v1/capsules/send", alice, gin.H{
			"capsuleId":       id,
			"recipientEmails": []string{"bob@example.com", "ghost@example.com"},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, MsgUnknownRecipient, env.Msg)
	})

	t.Run("非创建者发送返回403", func(t *testing.T) {
		rec, _ := ts.do(t, http.MethodPost, "/v1/capsules/send", bob, gin.H{
			"capsuleId":       id,
			"recipientEmails": []string{"bob@example.com"},
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("发送后接收者可见", func(t *testing.T) {
		rec, _ := ts.do(t, http.MethodPost, "/v1/capsules/send", alice, gin.H{
			"capsuleId":       id,
			"recipientEmails": []string{"Bob@Example.com"},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec, env := ts.do(t, http.MethodGet, "/v1/capsules/my-capsules", bob, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, string(env.Data), id)
		assert.NotContains(t, string(env.Data), "hello from the past")
	})

	t.Run("非创建者更新返回403", func(t *testing.T) {
		rec, _ := ts.do(t, http.MethodPut, "/v1/capsules/"+id, bob, gin.H{"title": "hijack"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("创建者更新标题", func(t *testing.T) {
		rec, env := ts.do(t, http.MethodPut, "/v1/capsules/"+id, alice, gin.H{"title": "新标题"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, string(env.Data), "新标题")
	})

	t.Run("解锁时间格式错误返回400", func(t *testing.T) {
		rec, env := ts.do(t, http.MethodPut, "/v1/capsules/"+id, alice, gin.H{"unlockDate": "tomorrow"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, MsgInvalidUnlockDate, env.Msg)
	})

	t.Run("到达解锁时间后接收者可读", func(t *testing.T) {
		ts.now = ts.now.Add(2 * time.Hour)

		rec, env := ts.do(t, http.MethodGet, "/v1/capsules/"+id, bob, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, string(env.Data), "hello from the past")
		assert.Contains(t, string(env.Data), `"username":"alice"`)
	})

	t.Run("已解锁胶囊不可删除", func(t *testing.T) {
		_, err := ts.auth.CreateAdmin(context.Background(), auth.RegisterInput{
			Username: "root", Email: "root@example.com", Password: "password123",
		})
		require.NoError(t, err)
		_, env := ts.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{
			"email": "root@example.com", "password": "password123",
		})
		var resp authResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))

		rec, env := ts.do(t, http.MethodPost, "/v1/capsules/check-status", resp.AccessToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, string(env.Data), `"unlocked":1`)

		rec, _ = ts.do(t, http.MethodDelete, "/v1/capsules/"+id, alice, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestRouter_CheckStatusRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "alice@example.com")

	rec, env := ts.do(t, http.MethodPost, "/v1/capsules/check-status", alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, http.StatusForbidden, env.Code)
}

func TestRouter_CreateIgnoresClientStatus(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "alice@example.com")

	rec, env := ts.do(t, http.MethodPost, "/v1/capsules", alice, gin.H{
		"title":        "t",
		"content":      "c",
		"unlockDate":   ts.now.Add(time.Hour).Format(time.RFC3339),
		"status":       "unlocked",
		"recipientIds": []string{"someone"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, string(env.Data), `"status":"locked"`)
	assert.Contains(t, string(env.Data), `"recipientIds":[]`)
}

func TestRouter_DeleteLockedCapsule(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "alice@example.com")
	id := ts.createCapsule(t, alice, time.Hour)

	rec, _ := ts.do(t, http.MethodDelete, "/v1/capsules/"+id, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/v1/capsules/"+id, alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/metrics"} {
		rec, _ := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
