package tests

import (
	"net/http"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wheelauth/tests/suite"
)

const passDefaultLen = 12

func TestAuthRegisterLogin(t *testing.T) {
	ctx, st := suite.New(t)

	email := gofakeit.Email()
	password := randomPassword()

	regResp := st.Register(ctx, email, password, "Ann Example")
	require.Equal(t, http.StatusCreated, regResp.Status)
	require.NotEmpty(t, regResp.Str("accessToken"))
	require.NotEmpty(t, regResp.Str("refreshToken"))
	require.Equal(t, email, regResp.User()["email"])
	assert.Equal(t, "Ann Example", regResp.User()["fullName"])
	assert.NotContains(t, regResp.User(), "passHash")

	loginResp := st.Login(ctx, email, password)
	require.Equal(t, http.StatusOK, loginResp.Status)

	loginTime := time.Now()

	require.NotEmpty(t, loginResp.Str("accessToken"))
	require.NotEmpty(t, loginResp.Str("refreshToken"))

	tokenParsed, err := jwt.Parse(loginResp.Str("accessToken"), func(token *jwt.Token) (interface{}, error) {
		return []byte(suite.JWTSecret), nil
	})
	require.NoError(t, err)

	claims, ok := tokenParsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, regResp.User()["id"], claims["sub"])

	const deltaSeconds = 1
	assert.InDelta(t, loginTime.Add(st.Cfg.Tokens.AccessTTL).Unix(), claims["exp"].(float64), deltaSeconds)
}

func TestAuthRefreshRotation(t *testing.T) {
	ctx, st := suite.New(t)

	email := gofakeit.Email()
	password := randomPassword()

	regResp := st.Register(ctx, email, password, gofakeit.Name())
	require.Equal(t, http.StatusCreated, regResp.Status)

	refreshToken1 := regResp.Str("refreshToken")

	refreshResp := st.Refresh(ctx, refreshToken1)
	require.Equal(t, http.StatusOK, refreshResp.Status)
	require.NotEmpty(t, refreshResp.Str("accessToken"))
	require.NotEmpty(t, refreshResp.Str("refreshToken"))

	refreshToken2 := refreshResp.Str("refreshToken")
	assert.NotEqual(t, refreshToken1, refreshToken2)

	// The rotated-out token must never validate again.
	replayResp := st.Refresh(ctx, refreshToken1)
	require.Equal(t, http.StatusUnauthorized, replayResp.Status)

	// Replay containment revoked the freshly rotated token too.
	afterReplay := st.Refresh(ctx, refreshToken2)
	require.Equal(t, http.StatusUnauthorized, afterReplay.Status)
}

func TestAuthReplayRevokesSiblingSessions(t *testing.T) {
	ctx, st := suite.New(t)

	email := gofakeit.Email()
	password := randomPassword()

	regResp := st.Register(ctx, email, password, gofakeit.Name())
	require.Equal(t, http.StatusCreated, regResp.Status)
	firstToken := regResp.Str("refreshToken")

	secondLogin := st.Login(ctx, email, password)
	require.Equal(t, http.StatusOK, secondLogin.Status)
	secondToken := secondLogin.Str("refreshToken")

	rotated := st.Refresh(ctx, firstToken)
	require.Equal(t, http.StatusOK, rotated.Status)

	replay := st.Refresh(ctx, firstToken)
	require.Equal(t, http.StatusUnauthorized, replay.Status)

	// The second session, valid until the replay, is dead as well.
	sibling := st.Refresh(ctx, secondToken)
	require.Equal(t, http.StatusUnauthorized, sibling.Status)
}

func TestAuthLogout(t *testing.T) {
	ctx, st := suite.New(t)

	email := gofakeit.Email()
	password := randomPassword()

	regResp := st.Register(ctx, email, password, gofakeit.Name())
	require.Equal(t, http.StatusCreated, regResp.Status)

	accessToken := regResp.Str("accessToken")
	refreshToken := regResp.Str("refreshToken")

	logoutResp := st.Logout(ctx, accessToken)
	require.Equal(t, http.StatusOK, logoutResp.Status)

	// Idempotent.
	logoutAgain := st.Logout(ctx, accessToken)
	require.Equal(t, http.StatusOK, logoutAgain.Status)

	refreshResp := st.Refresh(ctx, refreshToken)
	require.Equal(t, http.StatusUnauthorized, refreshResp.Status)
}

func TestAuthMe(t *testing.T) {
	ctx, st := suite.New(t)

	email := gofakeit.Email()
	password := randomPassword()

	regResp := st.Register(ctx, email, password, "Mia Example")
	require.Equal(t, http.StatusCreated, regResp.Status)

	meResp := st.Me(ctx, regResp.Str("accessToken"))
	require.Equal(t, http.StatusOK, meResp.Status)
	assert.Equal(t, email, meResp.User()["email"])
	assert.Equal(t, "Mia Example", meResp.User()["fullName"])

	unauth := st.Me(ctx, "not-a-real-token")
	require.Equal(t, http.StatusUnauthorized, unauth.Status)
}

func TestRegister_DuplicatedRegistration(t *testing.T) {
	ctx, st := suite.New(t)

	email := gofakeit.Email()
	password := randomPassword()

	first := st.Register(ctx, email, password, gofakeit.Name())
	require.Equal(t, http.StatusCreated, first.Status)

	second := st.Register(ctx, email, password, gofakeit.Name())
	require.Equal(t, http.StatusConflict, second.Status)
}

func TestRegister_FailCases(t *testing.T) {
	ctx, st := suite.New(t)

	tests := []struct {
		name     string
		email    string
		password string
		fullName string
	}{
		{name: "empty email", email: "", password: randomPassword(), fullName: "A"},
		{name: "malformed email", email: "not-an-email", password: randomPassword(), fullName: "A"},
		{name: "empty password", email: gofakeit.Email(), password: "", fullName: "A"},
		{name: "short password", email: gofakeit.Email(), password: "short", fullName: "A"},
		{name: "empty full name", email: gofakeit.Email(), password: randomPassword(), fullName: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := st.Register(ctx, tt.email, tt.password, tt.fullName)
			require.Equal(t, http.StatusBadRequest, resp.Status)
		})
	}
}

func TestLogin_FailCases(t *testing.T) {
	ctx, st := suite.New(t)

	email := gofakeit.Email()
	password := randomPassword()
	regResp := st.Register(ctx, email, password, gofakeit.Name())
	require.Equal(t, http.StatusCreated, regResp.Status)

	tests := []struct {
		name       string
		email      string
		password   string
		wantStatus int
	}{
		{name: "empty email", email: "", password: password, wantStatus: http.StatusBadRequest},
		{name: "empty password", email: email, password: "", wantStatus: http.StatusBadRequest},
		{name: "unknown user", email: gofakeit.Email(), password: password, wantStatus: http.StatusUnauthorized},
		{name: "wrong password", email: email, password: randomPassword(), wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := st.Login(ctx, tt.email, tt.password)
			require.Equal(t, tt.wantStatus, resp.Status)
		})
	}
}

func TestRefresh_InvalidToken(t *testing.T) {
	ctx, st := suite.New(t)

	resp := st.Refresh(ctx, "invalid-token-that-does-not-exist")
	require.Equal(t, http.StatusUnauthorized, resp.Status)

	empty := st.Refresh(ctx, "")
	require.Equal(t, http.StatusBadRequest, empty.Status)
}

func TestRefresh_ConcurrentSameToken(t *testing.T) {
	ctx, st := suite.New(t)

	email := gofakeit.Email()
	password := randomPassword()

	regResp := st.Register(ctx, email, password, gofakeit.Name())
	require.Equal(t, http.StatusCreated, regResp.Status)
	refreshToken := regResp.Str("refreshToken")

	const attempts = 5
	statuses := make(chan int, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			statuses <- st.Refresh(ctx, refreshToken).Status
		}()
	}

	var ok, unauthorized int
	for i := 0; i < attempts; i++ {
		switch <-statuses {
		case http.StatusOK:
			ok++
		case http.StatusUnauthorized:
			unauthorized++
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, unauthorized)
}

func randomPassword() string {
	return gofakeit.Password(true, true, true, true, false, passDefaultLen)
}
