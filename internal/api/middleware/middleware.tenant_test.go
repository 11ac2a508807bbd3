package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"fleet_ops/internal/logger"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	_ = logger.Init(&logger.LogConfig{Level: "error", Format: "text", Output: "stdout", BufferSize: 100})
	os.Exit(m.Run())
}

func TestParseTenantTokens(t *testing.T) {
	t.Run("Bỏ qua phần tử sai định dạng", func(t *testing.T) {
		got := ParseTenantTokens(" tok-a : tenant-a ,broken,, :x, tok-b:tenant-b")
		assert.Equal(t, map[string]string{"tok-a": "tenant-a", "tok-b": "tenant-b"}, got)
	})
	t.Run("Chuỗi rỗng", func(t *testing.T) {
		assert.Empty(t, ParseTenantTokens(""))
	})
}

func TestNormalizeRole(t *testing.T) {
	role, err := normalizeRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	role, err = normalizeRole(" Billing ")
	require.NoError(t, err)
	assert.Equal(t, RoleBilling, role)

	_, err = normalizeRole("pilot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unsupported role 'pilot'")
}

func TestIssueToken(t *testing.T) {
	t.Run("Ký và parse lại", func(t *testing.T) {
		token, err := IssueToken("s3cret", "tenant-x", "ops@fleet", RoleDispatcher, time.Hour)
		require.NoError(t, err)
		claims, err := parseJWT("s3cret", token)
		require.NoError(t, err)
		assert.Equal(t, "tenant-x", claims.TenantID)
		assert.Equal(t, "ops@fleet", claims.Subject)
		assert.Equal(t, RoleDispatcher, claims.Role)
	})
	t.Run("Sai secret", func(t *testing.T) {
		token, err := IssueToken("s3cret", "tenant-x", "ops", "", time.Hour)
		require.NoError(t, err)
		_, err = parseJWT("other", token)
		assert.Error(t, err)
	})
	t.Run("Token hết hạn", func(t *testing.T) {
		token, err := IssueToken("s3cret", "tenant-x", "ops", "", -time.Minute)
		require.NoError(t, err)
		_, err = parseJWT("s3cret", token)
		assert.Error(t, err)
	})
	t.Run("Thiếu tenant", func(t *testing.T) {
		token, err := IssueToken("s3cret", "", "ops", "", time.Hour)
		require.NoError(t, err)
		_, err = parseJWT("s3cret", token)
		assert.Error(t, err)
	})
}

// newWhoAmIApp trả về role đã resolve; adminOnly bật thêm RequireRoles(admin)
func newWhoAmIApp(cfg AuthConfig, adminOnly bool) *fiber.App {
	app := fiber.New()
	app.Use(TenantContextMiddleware(cfg))
	if adminOnly {
		app.Use(RequireRoles(RoleAdmin))
	}
	app.Get("/whoami", func(c fiber.Ctx) error {
		tc, _ := GetTenantContext(c)
		return c.SendString(tc.Role)
	})
	return app
}

func callWhoAmI(t *testing.T, app *fiber.App, headers map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func TestTenantContextMiddleware_JWTRole(t *testing.T) {
	const secret = "s3cret"
	cfg := AuthConfig{Enabled: true, Tokens: map[string]string{"tok-a": "tenant-a"}, JwtSecret: secret}
	guarded := newWhoAmIApp(cfg, true)
	open := newWhoAmIApp(cfg, false)

	dispatcher, err := IssueToken(secret, "tenant-a", "dan", RoleDispatcher, time.Hour)
	require.NoError(t, err)
	admin, err := IssueToken(secret, "tenant-a", "ann", RoleAdmin, time.Hour)
	require.NoError(t, err)
	noRole, err := IssueToken(secret, "tenant-a", "ops", "", time.Hour)
	require.NoError(t, err)

	t.Run("Role trong JWT được dùng khi không có header", func(t *testing.T) {
		code, body := callWhoAmI(t, guarded, map[string]string{"Authorization": "Bearer " + dispatcher})
		assert.Equal(t, http.StatusForbidden, code)
		assert.Contains(t, body, "Role 'dispatcher' not permitted for this operation")

		code, body = callWhoAmI(t, guarded, map[string]string{"Authorization": "Bearer " + admin})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, RoleAdmin, body)
	})

	t.Run("Header không thể nâng quyền so với JWT", func(t *testing.T) {
		code, body := callWhoAmI(t, guarded, map[string]string{"Authorization": "Bearer " + dispatcher, "X-Actor-Role": "admin"})
		assert.Equal(t, http.StatusForbidden, code)
		assert.Contains(t, body, "Token role mismatch")

		code, body = callWhoAmI(t, open, map[string]string{"Authorization": "Bearer " + admin, "X-Actor-Role": "billing"})
		assert.Equal(t, http.StatusForbidden, code)
		assert.Contains(t, body, "Token role mismatch")
	})

	t.Run("Header trùng role trong JWT", func(t *testing.T) {
		code, body := callWhoAmI(t, open, map[string]string{"Authorization": "Bearer " + dispatcher, "X-Actor-Role": " Dispatcher "})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, RoleDispatcher, body)
	})

	t.Run("JWT không có role và token tĩnh dùng header", func(t *testing.T) {
		code, body := callWhoAmI(t, open, map[string]string{"Authorization": "Bearer " + noRole, "X-Actor-Role": "billing"})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, RoleBilling, body)

		code, body = callWhoAmI(t, open, map[string]string{"Authorization": "Bearer tok-a", "X-Actor-Role": "billing"})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, RoleBilling, body)
	})
}
